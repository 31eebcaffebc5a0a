package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fadedreams/roadassist/issue-service/auth"
	"fadedreams/roadassist/issue-service/domain"
	"fadedreams/roadassist/issue-service/service"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type HandlerSuite struct {
	suite.Suite
	srv    *httptest.Server
	issuer *auth.Issuer
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := domain.NewMemoryRepository()
	hub := service.NewHub()
	store := service.NewIssueStore(repo, repo, domain.NewScanIndex(repo, repo), hub, logger)
	neg := service.NewOfferNegotiation(store, service.NewMatchNotifier(store, nil, logger))
	s.issuer = auth.NewIssuer("handler-secret", time.Hour)

	s.srv = httptest.NewServer(NewRouter(Deps{
		Negotiation:  neg,
		Watcher:      service.NewWatcher(neg, hub, time.Hour, logger),
		Accounts:     auth.NewAccounts(repo, s.issuer, logger),
		Issuer:       s.issuer,
		NearbyRadius: 10000,
		Logger:       logger,
	}))
}

func (s *HandlerSuite) TearDownTest() {
	s.srv.Close()
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) do(method, path, token string, body any) (int, []byte) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		s.Require().NoError(err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	s.Require().NoError(err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, out
}

func (s *HandlerSuite) token(caller domain.Caller) string {
	token, _, err := s.issuer.Issue(caller)
	s.Require().NoError(err)
	return token
}

func (s *HandlerSuite) kind(body []byte) string {
	var e struct {
		Kind string `json:"kind"`
	}
	s.Require().NoError(json.Unmarshal(body, &e), string(body))
	return e.Kind
}

func (s *HandlerSuite) register(role, email string) (string, string) {
	reg := map[string]any{
		"email": email, "password": "secret1", "fullName": "Test " + role, "phoneNumber": "0300",
	}
	if role == "mechanic" {
		reg["vehicleTypes"] = []string{"car"}
		reg["serviceRadius"] = 15
		reg["hourlyRate"] = 500
	}
	status, body := s.do(http.MethodPost, "/api/auth/"+role+"/register", "", reg)
	s.Require().Equal(http.StatusCreated, status, string(body))
	var session auth.Session
	s.Require().NoError(json.Unmarshal(body, &session))
	return session.Token, session.Account.ID
}

func (s *HandlerSuite) createIssue(token string) *domain.Issue {
	status, body := s.do(http.MethodPost, "/api/issues", token, map[string]any{
		"location":      domain.NewLocation(73.05, 30.37),
		"vehicleType":   "car",
		"description":   "engine overheating",
		"expectedPrice": 1500,
	})
	s.Require().Equal(http.StatusCreated, status, string(body))
	var issue domain.Issue
	s.Require().NoError(json.Unmarshal(body, &issue))
	return &issue
}

func (s *HandlerSuite) TestNegotiationOverHTTP() {
	userToken, _ := s.register("user", "user@example.com")
	aToken, aID := s.register("mechanic", "a@example.com")
	bToken, bID := s.register("mechanic", "b@example.com")

	status, body := s.do(http.MethodPost, "/api/auth/user/login", "", map[string]string{"email": "USER@example.com", "password": "secret1"})
	s.Equal(http.StatusOK, status, string(body))
	status, body = s.do(http.MethodPost, "/api/auth/user/login", "", map[string]string{"email": "user@example.com", "password": "wrong!"})
	s.Equal(http.StatusUnauthorized, status)
	s.Equal(domain.KindUnauthorized, s.kind(body))

	issue := s.createIssue(userToken)
	s.Equal(domain.IssuePending, issue.Status)

	status, body = s.do(http.MethodPost, "/api/mechanics/location/update", aToken, map[string]float64{"longitude": 73.05, "latitude": 30.406})
	s.Require().Equal(http.StatusOK, status, string(body))
	status, _ = s.do(http.MethodPost, "/api/mechanics/location/update", bToken, map[string]float64{"longitude": 73.05, "latitude": 30.451})
	s.Require().Equal(http.StatusOK, status)

	status, body = s.do(http.MethodGet, "/api/issues/nearby", aToken, nil)
	s.Require().Equal(http.StatusOK, status, string(body))
	var feed []service.NearbyIssue
	s.Require().NoError(json.Unmarshal(body, &feed))
	s.Require().Len(feed, 1)
	s.InDelta(4.0, feed[0].DistanceKm, 0.1)

	status, _ = s.do(http.MethodGet, "/api/issues/nearby?longitude=73.05&latitude=30.37&maxDistance=1000", bToken, nil)
	s.Equal(http.StatusOK, status)

	status, body = s.do(http.MethodPost, "/api/issues/"+issue.ID+"/offer", aToken, map[string]any{"price": 1600, "estimatedTime": 30})
	s.Require().Equal(http.StatusCreated, status, string(body))
	status, body = s.do(http.MethodPost, "/api/issues/"+issue.ID+"/offer", bToken, map[string]any{"price": 1400, "estimatedTime": 45})
	s.Require().Equal(http.StatusCreated, status, string(body))

	status, body = s.do(http.MethodGet, "/api/issues/"+issue.ID+"/offers", userToken, nil)
	s.Require().Equal(http.StatusOK, status)
	var offers []domain.Offer
	s.Require().NoError(json.Unmarshal(body, &offers))
	s.Len(offers, 2)

	status, body = s.do(http.MethodPost, "/api/issues/"+issue.ID+"/accept/"+bID, userToken, nil)
	s.Require().Equal(http.StatusOK, status, string(body))
	var view service.IssueView
	s.Require().NoError(json.Unmarshal(body, &view))
	s.Equal(domain.IssueAccepted, view.Issue.Status)
	s.Require().NotNil(view.Match)
	s.Equal(bID, view.Match.MechanicID)
	s.Require().NotNil(view.Match.DistanceKm)
	s.InDelta(9.0, *view.Match.DistanceKm, 0.1)

	status, body = s.do(http.MethodPost, "/api/issues/"+issue.ID+"/accept/"+aID, userToken, nil)
	s.Equal(http.StatusConflict, status)
	s.Equal(domain.KindInvalidState, s.kind(body))

	status, body = s.do(http.MethodGet, "/api/issues/"+issue.ID+"/match", bToken, nil)
	s.Equal(http.StatusOK, status, string(body))
	status, body = s.do(http.MethodGet, "/api/issues/"+issue.ID+"/match", aToken, nil)
	s.Equal(http.StatusForbidden, status)
	s.Equal(domain.KindForbidden, s.kind(body))

	status, body = s.do(http.MethodGet, "/api/issues/user", userToken, nil)
	s.Equal(http.StatusOK, status)
	var mine []domain.Issue
	s.Require().NoError(json.Unmarshal(body, &mine))
	s.Len(mine, 1)
}

func (s *HandlerSuite) TestErrorMapping() {
	user := s.token(domain.Caller{ID: "user-1", Role: domain.RoleUser})
	mech := s.token(domain.Caller{ID: "mech-1", Role: domain.RoleMechanic})

	status, body := s.do(http.MethodGet, "/api/issues/user", "", nil)
	s.Equal(http.StatusUnauthorized, status)
	s.Equal(domain.KindUnauthorized, s.kind(body))

	status, body = s.do(http.MethodGet, "/api/issues/missing", user, nil)
	s.Equal(http.StatusNotFound, status)
	s.Equal(domain.KindNotFound, s.kind(body))

	status, body = s.do(http.MethodPost, "/api/issues", user, map[string]any{"vehicleType": "car"})
	s.Equal(http.StatusBadRequest, status)
	s.Equal(domain.KindValidation, s.kind(body))

	status, body = s.do(http.MethodPost, "/api/issues", mech, map[string]any{})
	s.Equal(http.StatusForbidden, status)
	s.Equal(domain.KindForbidden, s.kind(body))

	issue := s.createIssue(user)
	offer := map[string]any{"price": 900, "estimatedTime": 20}
	status, _ = s.do(http.MethodPost, "/api/issues/"+issue.ID+"/offer", mech, offer)
	s.Require().Equal(http.StatusCreated, status)
	status, body = s.do(http.MethodPost, "/api/issues/"+issue.ID+"/offer", mech, offer)
	s.Equal(http.StatusConflict, status)
	s.Equal(domain.KindDuplicateOffer, s.kind(body))

	status, body = s.do(http.MethodGet, "/api/issues/nearby?longitude=abc&latitude=1", mech, nil)
	s.Equal(http.StatusBadRequest, status)
	s.Equal(domain.KindValidation, s.kind(body))

	status, _ = s.do(http.MethodGet, "/api/mechanics/nearby", user, nil)
	s.Equal(http.StatusBadRequest, status)

	status, _ = s.do(http.MethodPost, "/api/auth/admin/register", "", map[string]any{})
	s.Equal(http.StatusNotFound, status)

	status, _ = s.do(http.MethodGet, "/api/geocode?q=multan", user, nil)
	s.Equal(http.StatusServiceUnavailable, status)

	status, body = s.do(http.MethodGet, "/health", "", nil)
	s.Equal(http.StatusOK, status)
	s.Equal("OK", string(body))
}

func (s *HandlerSuite) TestWithdrawAndCancel() {
	user := s.token(domain.Caller{ID: "user-1", Role: domain.RoleUser})
	mech := s.token(domain.Caller{ID: "mech-1", Role: domain.RoleMechanic})
	issue := s.createIssue(user)

	status, _ := s.do(http.MethodPost, "/api/issues/"+issue.ID+"/offer", mech, map[string]any{"price": 900, "estimatedTime": 20})
	s.Require().Equal(http.StatusCreated, status)
	status, body := s.do(http.MethodDelete, "/api/issues/"+issue.ID+"/offer", mech, nil)
	s.Require().Equal(http.StatusOK, status, string(body))
	var view service.IssueView
	s.Require().NoError(json.Unmarshal(body, &view))
	s.Equal(domain.IssuePending, view.Issue.Status)

	status, body = s.do(http.MethodPost, "/api/issues/"+issue.ID+"/cancel", user, nil)
	s.Require().Equal(http.StatusOK, status, string(body))
	status, body = s.do(http.MethodPost, "/api/issues/"+issue.ID+"/cancel", user, nil)
	s.Equal(http.StatusConflict, status)
	s.Equal(domain.KindInvalidState, s.kind(body))
}

func (s *HandlerSuite) TestWebsocketWatch() {
	user := s.token(domain.Caller{ID: "user-1", Role: domain.RoleUser})
	issue := s.createIssue(user)
	wsURL := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/issues/" + issue.ID + "/ws?token=" + user

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.srv.URL, "http")+"/api/issues/"+issue.ID+"/ws", nil)
	s.Require().Error(err)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	s.Require().NoError(err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var view service.IssueView
	s.Require().NoError(conn.ReadJSON(&view))
	s.Equal(domain.IssuePending, view.Issue.Status)

	status, _ := s.do(http.MethodPost, "/api/issues/"+issue.ID+"/cancel", user, nil)
	s.Require().Equal(http.StatusOK, status)

	s.Require().NoError(conn.ReadJSON(&view))
	s.Equal(domain.IssueCancelled, view.Issue.Status)

	_, _, err = conn.ReadMessage()
	s.True(websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrConflict))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.EOF))
	require.Equal(t, http.StatusBadRequest, statusFor(domain.ErrEmailTaken))
}
