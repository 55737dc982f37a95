package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtfzdotnet/storyteller-sub002/internal/auth"
	engine "github.com/wtfzdotnet/storyteller-sub002/internal/consensus"
	"github.com/wtfzdotnet/storyteller-sub002/internal/intervention"
	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
	"github.com/wtfzdotnet/storyteller-sub002/internal/ratelimit"
	"github.com/wtfzdotnet/storyteller-sub002/internal/service/consensus"
	"github.com/wtfzdotnet/storyteller-sub002/internal/storage"
)

type testEnv struct {
	ts     *httptest.Server
	jwt    *auth.JWTManager
	broker *Broker
	store  *storage.MemoryStore
}

type envOption func(*ServerConfig)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := testLogger()
	store := storage.NewMemoryStore()
	broker := NewBroker(nil, logger)
	wf := intervention.NewWorkflow(store, logger, broker)
	eng := engine.NewEngine(engine.Config{Weights: engine.DefaultRoleWeights()}, logger)
	svc := consensus.New(eng, store, wf, logger, consensus.Options{})

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	cfg := ServerConfig{
		Service:             svc,
		Store:               store,
		StoreName:           storage.BackendMemory,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Broker:              broker,
		Version:             "test",
		MaxRequestBodyBytes: 64 * 1024,
	}
	for _, o := range opts {
		o(&cfg)
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, jwt: jwtMgr, broker: broker, store: store}
}

func (e *testEnv) token(t *testing.T, id, role string, access model.AccessLevel) string {
	t.Helper()
	tok, _, err := e.jwt.IssueToken(model.Operator{ID: id, Role: role, Access: access})
	require.NoError(t, err)
	return tok
}

type envelope struct {
	Data  json.RawMessage   `json:"data"`
	Error model.ErrorDetail `json:"error"`
	Meta  model.ResponseMeta
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, envelope) {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	h := decodeData[model.HealthResponse](t, body)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "test", h.Version)
	assert.Equal(t, "memory:connected", h.Store)
	assert.Equal(t, "running", h.SSEBroker)

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, resp.Header.Get("X-Request-ID"), body.Meta.RequestID)
}

func TestAuthToken(t *testing.T) {
	hash, err := auth.HashAPIKey("s3cret")
	require.NoError(t, err)
	ops := &auth.Registry{}
	ops.Add(model.Operator{ID: "alice", Role: "project-manager", Access: model.AccessIntervener, APIKeyHash: hash})

	env := newTestEnv(t, func(c *ServerConfig) { c.Operators = ops })

	resp, body := env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{OperatorID: "alice", APIKey: "s3cret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tok := decodeData[model.AuthTokenResponse](t, body)
	require.NotEmpty(t, tok.Token)

	claims, err := env.jwt.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.OperatorID)
	assert.Equal(t, "project-manager", claims.Role)
	assert.Equal(t, model.AccessIntervener, claims.Access)

	resp, body = env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{OperatorID: "alice", APIKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, body.Error.Code)

	resp, _ = env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{OperatorID: "mallory", APIKey: "s3cret"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthTokenRateLimited(t *testing.T) {
	limiter := ratelimit.New(0.01, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, func(c *ServerConfig) { c.Limiter = limiter })

	req := model.AuthTokenRequest{OperatorID: "nobody", APIKey: "x"}
	resp, _ := env.do(t, http.MethodPost, "/auth/token", "", req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/auth/token", "", req)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/v1/interventions/pending", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing authorization header", body.Error.Message)

	resp, _ = env.do(t, http.MethodGet, "/v1/interventions/pending", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	reader := env.token(t, "obs", "observer", model.AccessReader)
	resp, body = env.do(t, http.MethodPost, "/v1/consensus", reader, model.InitiateConsensusRequest{
		ConversationID: "conv-1", DecisionTopic: "x",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, model.ErrCodeForbidden, body.Error.Code)
}

func TestConsensusLifecycle(t *testing.T) {
	env := newTestEnv(t)
	voter := env.token(t, "agent-7", "tech-lead", model.AccessVoter)
	reader := env.token(t, "obs", "observer", model.AccessReader)

	resp, body := env.do(t, http.MethodPost, "/v1/consensus", voter, model.InitiateConsensusRequest{
		ConversationID: "conv-1",
		DecisionTopic:  "adopt event sourcing for orders",
		RequiredRoles:  []string{"tech-lead"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	c := decodeData[model.ConsensusResult](t, body)
	assert.Equal(t, model.ConsensusPending, c.Status)

	resp, body = env.do(t, http.MethodPost, "/v1/consensus/"+c.ID+"/votes", voter, map[string]any{
		"role_name":  "tech-lead",
		"position":   "agree",
		"confidence": 0.9,
		"rationale":  "fits our audit needs",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	c = decodeData[model.ConsensusResult](t, body)
	assert.Equal(t, model.ConsensusReached, c.Status)
	assert.InDelta(t, 0.9, c.AchievedScore, 1e-9)
	require.Len(t, c.Votes, 1)
	assert.Equal(t, "agent-7", c.Votes[0].ParticipantID, "participant defaults to the caller")

	resp, body = env.do(t, http.MethodGet, "/v1/consensus/"+c.ID, reader, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.ConsensusReached, decodeData[model.ConsensusResult](t, body).Status)

	resp, body = env.do(t, http.MethodGet, "/v1/consensus/"+c.ID+"/report", reader, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeData[engine.Report](t, body)
	assert.Equal(t, c.ID, report.ConsensusID)
	assert.NotEmpty(t, report.Rationale)

	resp, body = env.do(t, http.MethodGet, "/v1/conversations/conv-1/consensus", reader, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeData[[]model.ConsensusResult](t, body), 1)

	// The process is closed now.
	resp, body = env.do(t, http.MethodPost, "/v1/consensus/"+c.ID+"/votes", voter, model.SubmitVoteRequest{
		RoleName: "qa-engineer", Position: "disagree",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, body.Error.Code)

	resp, _ = env.do(t, http.MethodPost, "/v1/consensus/"+c.ID+"/iterate", voter, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestIterateAndAutoResolve(t *testing.T) {
	env := newTestEnv(t)
	voter := env.token(t, "agent-7", "tech-lead", model.AccessVoter)

	_, body := env.do(t, http.MethodPost, "/v1/consensus", voter, map[string]any{
		"conversation_id": "conv-2",
		"decision_topic":  "switch to gRPC",
		"max_iterations":  2,
	})
	c := decodeData[model.ConsensusResult](t, body)

	resp, body := env.do(t, http.MethodPost, "/v1/consensus/"+c.ID+"/auto-resolve", voter, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ar := decodeData[model.AutoResolveResponse](t, body)
	assert.False(t, ar.ResolvedAny)

	resp, body = env.do(t, http.MethodPost, "/v1/consensus/"+c.ID+"/iterate", voter, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	it := decodeData[model.IterateResponse](t, body)
	assert.True(t, it.Continue)
	assert.Equal(t, 1, it.Consensus.Iterations)

	_, body = env.do(t, http.MethodPost, "/v1/consensus/"+c.ID+"/iterate", voter, nil)
	it = decodeData[model.IterateResponse](t, body)
	assert.False(t, it.Continue)
	assert.Equal(t, model.ConsensusTimeout, it.Consensus.Status)
}

func TestEscalateResolveCancel(t *testing.T) {
	env := newTestEnv(t)
	voter := env.token(t, "agent-7", "tech-lead", model.AccessVoter)
	pm := env.token(t, "alice", "project-manager", model.AccessIntervener)
	admin := env.token(t, "root", "admin", model.AccessAdmin)

	events := env.broker.Subscribe()
	defer env.broker.Unsubscribe(events)

	newFailed := func() string {
		_, body := env.do(t, http.MethodPost, "/v1/consensus", voter, model.InitiateConsensusRequest{
			ConversationID: "conv-3", DecisionTopic: "rewrite billing",
		})
		c := decodeData[model.ConsensusResult](t, body)
		_, body = env.do(t, http.MethodPost, "/v1/consensus/"+c.ID+"/votes", voter, map[string]any{
			"role_name": "tech-lead", "position": "disagree", "confidence": 0.95,
		})
		require.Equal(t, model.ConsensusFailed, decodeData[model.ConsensusResult](t, body).Status)
		return c.ID
	}

	// Escalate with an empty body derives the reason.
	id := newFailed()
	resp, body := env.do(t, http.MethodPost, "/v1/consensus/"+id+"/escalate", voter, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	m := decodeData[model.ManualIntervention](t, body)
	assert.Equal(t, model.TriggerFailedConsensus, m.TriggerReason)
	assert.Equal(t, model.InterventionPending, m.Status)

	select {
	case ev := <-events:
		assert.True(t, strings.HasPrefix(string(ev), "event: "+model.AuditInterventionTriggered))
	case <-time.After(time.Second):
		t.Fatal("no SSE event for triggered intervention")
	}

	resp, body = env.do(t, http.MethodGet, "/v1/interventions/pending", voter, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decodeData[[]model.ManualIntervention](t, body)
	require.Len(t, pending, 1)
	assert.Equal(t, m.ID, pending[0].ID)

	resolve := model.ResolveInterventionRequest{HumanDecision: "keep the current billing", HumanRationale: "too risky this quarter"}
	resp, _ = env.do(t, http.MethodPost, "/v1/interventions/"+m.ID+"/resolve", voter, resolve)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/v1/interventions/"+m.ID+"/resolve", pm, resolve)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m = decodeData[model.ManualIntervention](t, body)
	assert.Equal(t, model.InterventionResolved, m.Status)
	assert.Equal(t, "alice", m.IntervenerID)
	assert.Equal(t, "project-manager", m.IntervenerRole)
	require.Len(t, m.AuditTrail, 2)
	assert.Equal(t, "project-manager:alice", m.AuditTrail[1].Actor)

	resp, body = env.do(t, http.MethodPost, "/v1/interventions/"+m.ID+"/resolve", pm, resolve)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, body.Error.Code)

	// Explicit reason, then cancel.
	id = newFailed()
	resp, body = env.do(t, http.MethodPost, "/v1/consensus/"+id+"/escalate", voter, model.EscalateRequest{
		Reason: model.TriggerManualRequest, InterventionType: model.InterventionEscalation,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	m2 := decodeData[model.ManualIntervention](t, body)
	assert.Equal(t, model.TriggerManualRequest, m2.TriggerReason)

	resp, _ = env.do(t, http.MethodPost, "/v1/interventions/"+m2.ID+"/cancel", pm, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/v1/interventions/"+m2.ID+"/cancel", admin, model.CancelInterventionRequest{Reason: "duplicate"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m2 = decodeData[model.ManualIntervention](t, body)
	assert.Equal(t, model.InterventionCancelled, m2.Status)
	assert.Equal(t, "admin:root", m2.AuditTrail[1].Actor)

	resp, body = env.do(t, http.MethodGet, "/v1/conversations/conv-3/interventions?status=resolved", voter, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resolved := decodeData[[]model.ManualIntervention](t, body)
	require.Len(t, resolved, 1)
	assert.Equal(t, m.ID, resolved[0].ID)

	resp, _ = env.do(t, http.MethodGet, "/v1/conversations/conv-3/interventions?status=bogus", voter, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/v1/interventions/"+m2.ID, voter, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.InterventionCancelled, decodeData[model.ManualIntervention](t, body).Status)
}

func TestEscalateNotNeeded(t *testing.T) {
	env := newTestEnv(t)
	voter := env.token(t, "agent-7", "tech-lead", model.AccessVoter)

	_, body := env.do(t, http.MethodPost, "/v1/consensus", voter, model.InitiateConsensusRequest{
		ConversationID: "conv-4", DecisionTopic: "rename the repo",
	})
	c := decodeData[model.ConsensusResult](t, body)

	resp, body := env.do(t, http.MethodPost, "/v1/consensus/"+c.ID+"/escalate", voter, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body.Error.Message, "no intervention needed")
}

func TestRequestErrors(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) { c.MaxRequestBodyBytes = 256 })
	voter := env.token(t, "agent-7", "tech-lead", model.AccessVoter)

	resp, body := env.do(t, http.MethodGet, "/v1/consensus/consensus_missing", voter, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, body.Error.Code)

	resp, body = env.do(t, http.MethodPost, "/v1/consensus", voter, `{"conversation_id":"c","decision_topic":"t","surprise":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)

	resp, _ = env.do(t, http.MethodPost, "/v1/consensus", voter, `{"conversation_id":"c","decision_topic":"t"} {}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/consensus", voter, model.InitiateConsensusRequest{
		ConversationID: "c", DecisionTopic: strings.Repeat("x", 512),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/v1/consensus", voter, model.InitiateConsensusRequest{ConversationID: "c"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body.Error.Message, "decision_topic is required")

	_, body = env.do(t, http.MethodPost, "/v1/consensus", voter, model.InitiateConsensusRequest{ConversationID: "c", DecisionTopic: "t"})
	c := decodeData[model.ConsensusResult](t, body)
	resp, body = env.do(t, http.MethodPost, "/v1/consensus/"+c.ID+"/votes", voter, model.SubmitVoteRequest{
		RoleName: "tech-lead", Position: "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body.Error.Message, "invalid voting position")
}

func TestSubscribeStreamsEvents(t *testing.T) {
	env := newTestEnv(t)
	reader := env.token(t, "obs", "observer", model.AccessReader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/v1/subscribe", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+reader)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.broker.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, env.broker.NotifyIntervention(context.Background(), model.AuditInterventionResolved,
		model.ManualIntervention{ID: "intervention_x", Status: model.InterventionResolved}))

	buf := make([]byte, 512)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), "event: intervention_resolved\n"), string(buf[:n]))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeInternalError)
}
