package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fadedreams/roadassist/issue-service/domain"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
)

var errBadCredentials = fmt.Errorf("%w: invalid email or password", domain.ErrUnauthorized)

// Session is returned by register and login.
type Session struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Account   *domain.Account `json:"account"`
}

// Accounts registers and authenticates users and mechanics.
type Accounts struct {
	repo   domain.AccountRepository
	issuer *Issuer
	cost   int
	tracer trace.Tracer
	logger *slog.Logger
}

func NewAccounts(repo domain.AccountRepository, issuer *Issuer, logger *slog.Logger) *Accounts {
	return &Accounts{
		repo:   repo,
		issuer: issuer,
		cost:   bcrypt.DefaultCost,
		tracer: otel.Tracer("issue-service"),
		logger: logger,
	}
}

func (a *Accounts) Register(ctx context.Context, role domain.Role, reg domain.Registration) (*Session, error) {
	ctx, span := a.tracer.Start(ctx, "AccountsRegister")
	defer span.End()
	span.SetAttributes(attribute.String("role", string(role)))

	if err := reg.Validate(role); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), a.cost)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to hash password")
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account := &domain.Account{
		ID:           primitive.NewObjectID().Hex(),
		Role:         role,
		Email:        reg.Email,
		PasswordHash: string(hash),
		FullName:     strings.TrimSpace(reg.FullName),
		PhoneNumber:  strings.TrimSpace(reg.PhoneNumber),
		CreatedAt:    time.Now().UTC(),
	}
	if role == domain.RoleMechanic {
		account.VehicleTypes = reg.VehicleTypes
		account.ServiceRadiusKm = reg.ServiceRadiusKm
		account.HourlyRate = reg.HourlyRate
	}
	if err := a.repo.CreateAccount(ctx, account); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create account")
		a.logger.Warn("Failed to create account", "error", err, "role", role)
		return nil, err
	}
	a.logger.Info("Registered account", "accountID", account.ID, "role", role)
	return a.session(account)
}

func (a *Accounts) Login(ctx context.Context, role domain.Role, email, password string) (*Session, error) {
	ctx, span := a.tracer.Start(ctx, "AccountsLogin")
	defer span.End()
	span.SetAttributes(attribute.String("role", string(role)))

	account, err := a.repo.GetAccountByEmail(ctx, role, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, errBadCredentials
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load account")
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		a.logger.Warn("Failed login", "accountID", account.ID, "role", role)
		return nil, errBadCredentials
	}
	a.logger.Info("Logged in", "accountID", account.ID, "role", role)
	return a.session(account)
}

func (a *Accounts) session(account *domain.Account) (*Session, error) {
	token, expires, err := a.issuer.Issue(domain.Caller{ID: account.ID, Role: account.Role})
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: expires, Account: account}, nil
}
