package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"fadedreams/roadassist/issue-service/auth"
	"fadedreams/roadassist/issue-service/domain"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuthHandler serves register and login for users and mechanics.
type AuthHandler struct {
	accounts *auth.Accounts
	tracer   trace.Tracer
	logger   *slog.Logger
}

func NewAuthHandler(accounts *auth.Accounts, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{accounts: accounts, tracer: otel.Tracer(appName), logger: logger}
}

func roleParam(r *http.Request) (domain.Role, error) {
	switch role := domain.Role(mux.Vars(r)["role"]); role {
	case domain.RoleUser, domain.RoleMechanic:
		return role, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", domain.ErrNotFound, role)
	}
}

// Register handles POST /api/auth/{role}/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleRegister")
	defer span.End()

	role, err := roleParam(r)
	if err != nil {
		respondError(w, span, h.logger, "Unknown role", err)
		return
	}
	var reg domain.Registration
	if err := decode(r, &reg); err != nil {
		respondError(w, span, h.logger, "Invalid registration body", err, "role", role)
		return
	}
	session, err := h.accounts.Register(ctx, role, reg)
	if err != nil {
		respondError(w, span, h.logger, "Registration failed", err, "role", role)
		return
	}
	span.SetAttributes(attribute.String("role", string(role)), attribute.String("accountID", session.Account.ID))
	writeJSON(w, http.StatusCreated, session)
}

// Login handles POST /api/auth/{role}/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleLogin")
	defer span.End()

	role, err := roleParam(r)
	if err != nil {
		respondError(w, span, h.logger, "Unknown role", err)
		return
	}
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &in); err != nil {
		respondError(w, span, h.logger, "Invalid login body", err, "role", role)
		return
	}
	session, err := h.accounts.Login(ctx, role, in.Email, in.Password)
	if err != nil {
		respondError(w, span, h.logger, "Login failed", err, "role", role)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
