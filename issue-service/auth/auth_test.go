package auth

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fadedreams/roadassist/issue-service/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestIssueAndParse(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)

	for _, caller := range []domain.Caller{
		{ID: "u1", Role: domain.RoleUser},
		{ID: "m1", Role: domain.RoleMechanic},
	} {
		token, expires, err := issuer.Issue(caller)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

		got, err := issuer.Parse(token)
		require.NoError(t, err)
		assert.Equal(t, caller, got)
	}

	_, _, err := issuer.Issue(domain.Caller{ID: "x", Role: "admin"})
	assert.Error(t, err)
}

func TestParseRejectsBadTokens(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	token, _, err := issuer.Issue(domain.Caller{ID: "u1", Role: domain.RoleUser})
	require.NoError(t, err)

	_, err = NewIssuer("other", time.Hour).Parse(token)
	assert.Equal(t, domain.KindUnauthorized, domain.KindOf(err))

	expired := NewIssuer("secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = expired.Parse(token)
	assert.ErrorContains(t, err, "expired")

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u1", Role: domain.RoleUser}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.Parse(none)
	assert.Equal(t, domain.KindUnauthorized, domain.KindOf(err))

	both, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: "u1", MechanicID: "m1", Role: domain.RoleUser,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = issuer.Parse(both)
	assert.Equal(t, domain.KindUnauthorized, domain.KindOf(err))
}

func TestMiddleware(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	token, _, err := issuer.Issue(domain.Caller{ID: "m1", Role: domain.RoleMechanic})
	require.NoError(t, err)

	var seen domain.Caller
	h := Middleware(issuer, discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/issues/nearby", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, domain.Caller{ID: "m1", Role: domain.RoleMechanic}, seen)

	req = httptest.NewRequest(http.MethodGet, "/api/issues/abc/ws?token="+token, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	for _, header := range []string{"", "Bearer nonsense", "Basic dXNlcjpwYXNz"} {
		req = httptest.NewRequest(http.MethodGet, "/api/issues/nearby", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
		assert.Contains(t, rec.Body.String(), domain.KindUnauthorized)
	}
}

func TestHoistQueryToken(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	token, _, err := issuer.Issue(domain.Caller{ID: "u1", Role: domain.RoleUser})
	require.NoError(t, err)

	var (
		seen       domain.Caller
		rawQuery   string
		requestURI string
	)
	h := HoistQueryToken(Middleware(issuer, discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFrom(r.Context())
		rawQuery, requestURI = r.URL.RawQuery, r.RequestURI
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/issues/abc/ws?since=3&token="+token, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, domain.Caller{ID: "u1", Role: domain.RoleUser}, seen)
	assert.Equal(t, "since=3", rawQuery)
	assert.Equal(t, "/api/issues/abc/ws?since=3", requestURI)

	// an explicit header wins and the query token is still dropped
	req = httptest.NewRequest(http.MethodGet, "/api/issues/abc/ws?token=stale", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rawQuery)
	assert.NotContains(t, requestURI, "stale")

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	h = HoistQueryToken(Middleware(issuer, logger)(http.NotFoundHandler()))
	req = httptest.NewRequest(http.MethodGet, "/api/issues/abc/ws?token=not.a.jwt", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, logs.String(), "not.a.jwt")
}

func TestAccountsRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	repo := domain.NewMemoryRepository()
	issuer := NewIssuer("secret", time.Hour)
	accounts := NewAccounts(repo, issuer, discard())
	accounts.cost = bcrypt.MinCost

	reg := domain.Registration{
		Email: "Ali@Example.com", Password: "hunter22", FullName: "Ali", PhoneNumber: "0300",
		VehicleTypes: []string{"car"}, ServiceRadiusKm: 15, HourlyRate: 800,
	}
	session, err := accounts.Register(ctx, domain.RoleMechanic, reg)
	require.NoError(t, err)
	assert.Equal(t, "ali@example.com", session.Account.Email)
	assert.NotEqual(t, "hunter22", session.Account.PasswordHash)

	caller, err := issuer.Parse(session.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.Caller{ID: session.Account.ID, Role: domain.RoleMechanic}, caller)

	_, err = accounts.Register(ctx, domain.RoleMechanic, reg)
	assert.ErrorIs(t, err, domain.ErrEmailTaken)

	login, err := accounts.Login(ctx, domain.RoleMechanic, " ALI@example.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, session.Account.ID, login.Account.ID)

	_, err = accounts.Login(ctx, domain.RoleMechanic, "ali@example.com", "wrong")
	assert.Equal(t, domain.KindUnauthorized, domain.KindOf(err))
	_, err = accounts.Login(ctx, domain.RoleUser, "ali@example.com", "hunter22")
	assert.Equal(t, domain.KindUnauthorized, domain.KindOf(err))
}
