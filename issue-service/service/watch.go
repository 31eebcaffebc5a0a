package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"fadedreams/roadassist/issue-service/domain"
)

// Watcher streams IssueViews to a push client. It wakes on hub signals and on
// a fixed interval, and always reads state from the store.
type Watcher struct {
	negotiation *OfferNegotiation
	hub         *Hub
	interval    time.Duration
	logger      *slog.Logger
}

func NewWatcher(negotiation *OfferNegotiation, hub *Hub, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{negotiation: negotiation, hub: hub, interval: interval, logger: logger}
}

// Watch calls send with the current view of the issue and again each time the
// issue or the accepted mechanic's position changes. It returns when ctx is
// done, when send fails, or after the view of a cancelled issue was sent.
func (w *Watcher) Watch(ctx context.Context, caller domain.Caller, issueID string, send func(*IssueView) error) error {
	signals, unsubscribe := w.hub.Subscribe(issueID)
	defer unsubscribe()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	last := ""
	for {
		view, err := w.negotiation.ViewIssue(ctx, caller, issueID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if fp := fingerprint(view); fp != last {
			if err := send(view); err != nil {
				return err
			}
			last = fp
		}
		if view.Issue.Status == domain.IssueCancelled {
			w.logger.Info("Issue cancelled, closing watch", "issueID", issueID, "callerID", caller.ID)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-signals:
		case <-ticker.C:
		}
	}
}

func fingerprint(v *IssueView) string {
	fp := strconv.FormatInt(v.Issue.Version, 10)
	if v.Match != nil && v.Match.LocationUpdated != nil {
		fp += "|" + v.Match.LocationUpdated.Format(time.RFC3339Nano)
	}
	return fp
}

// Check returns the current view, or the error a Watch by caller would end
// with immediately.
func (w *Watcher) Check(ctx context.Context, caller domain.Caller, issueID string) (*IssueView, error) {
	return w.negotiation.ViewIssue(ctx, caller, issueID)
}
