package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"fadedreams/roadassist/issue-service/service"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const writeWait = 10 * time.Second

// WatchHandler pushes IssueViews over a websocket until the issue is
// cancelled or the client goes away.
type WatchHandler struct {
	watcher  *service.Watcher
	upgrader websocket.Upgrader
	tracer   trace.Tracer
	logger   *slog.Logger
}

func NewWatchHandler(watcher *service.Watcher, logger *slog.Logger) *WatchHandler {
	return &WatchHandler{
		watcher: watcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		tracer: otel.Tracer(appName),
		logger: logger,
	}
}

// Watch handles GET /api/issues/{issueId}/ws.
func (h *WatchHandler) Watch(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleWatchIssue")
	defer span.End()

	caller := callerFrom(r)
	issueID := mux.Vars(r)["issueId"]
	span.SetAttributes(attribute.String("issueID", issueID))

	// Authorization problems are answered before the upgrade.
	if _, err := h.watcher.Check(ctx, caller, issueID); err != nil {
		respondError(w, span, h.logger, "Watch rejected", err, "issueID", issueID, "callerID", caller.ID)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Warn("Websocket upgrade failed", "error", err, "issueID", issueID, "app", appName)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Info("Websocket watch opened", "issueID", issueID, "callerID", caller.ID, "app", appName)
	err = h.watcher.Watch(ctx, caller, issueID, func(v *service.IssueView) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	})
	code, reason := websocket.CloseNormalClosure, "done"
	if err != nil {
		span.RecordError(err)
		h.logger.Warn("Websocket watch ended with error", "error", err, "issueID", issueID, "app", appName)
		code, reason = websocket.CloseInternalServerErr, err.Error()
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
