package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/traceledger/internal/auth"
	"github.com/ILLUVRSE/traceledger/internal/config"
	"github.com/ILLUVRSE/traceledger/internal/custody"
	"github.com/ILLUVRSE/traceledger/internal/ledger"
	"github.com/ILLUVRSE/traceledger/internal/models"
	"github.com/ILLUVRSE/traceledger/internal/service"
	"github.com/ILLUVRSE/traceledger/internal/store"
)

const jwtSecret = "test-jwt-secret"

const harvestBody = `{"productId":"P1","eventType":"HARVEST","performedBy":"ignored","location":{"latitude":12.34,"longitude":56.78},"metadata":{"quantity":10,"unit":"kg"}}`

type testEnv struct {
	srv    *Server
	router http.Handler
	store  *store.MemoryStore
}

func newHTTPTestServer(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	st.PutProduct("P1", "Arabica beans")
	st.PutParticipant(models.Participant{ID: "U1", Name: "Ada Farms", Role: auth.RoleFarmer})
	st.PutParticipant(models.Participant{ID: "C1", Name: "Curious Shopper", Role: auth.RoleConsumer})

	reg := prometheus.NewRegistry()
	lc := ledger.Instrument(ledger.NewSimulatedClient(ledger.SimulatedConfig{}, zerolog.Nop()), ledger.NewMetrics(reg))
	svc := service.New(st, lc, zerolog.Nop(), service.Options{Metrics: service.NewMetrics(reg)})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	srv := New(cfg, st, svc, custody.NewAssembler(st, 16, zerolog.Nop()), auth.NewVerifier(jwtSecret), reg, zerolog.Nop())
	return &testEnv{srv: srv, router: srv.Router(), store: st}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	c := auth.Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return s
}

func doRequest(router http.Handler, method, path string, body []byte, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func createEvent(t *testing.T, env *testEnv) recordResponse {
	t.Helper()
	rec := doRequest(env.router, http.MethodPost, "/events", []byte(harvestBody), token(t, "U1", auth.RoleFarmer))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp recordResponse
	decode(t, rec, &resp)
	return resp
}

func TestHealth(t *testing.T) {
	env := newHTTPTestServer(t, config.Config{})
	rec := doRequest(env.router, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "up", body["db"])
}

func TestCreateEventRequiresAuth(t *testing.T) {
	env := newHTTPTestServer(t, config.Config{})
	rec := doRequest(env.router, http.MethodPost, "/events", []byte(harvestBody), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(env.router, http.MethodPost, "/events", []byte(harvestBody), token(t, "C1", auth.RoleConsumer))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateEventSuccess(t *testing.T) {
	env := newHTTPTestServer(t, config.Config{})
	resp := createEvent(t, env)

	assert.Equal(t, "U1", resp.Event.PerformedBy, "performer comes from the token")
	assert.True(t, resp.Event.Verified)
	assert.Empty(t, resp.AnchorError)
	require.NotNil(t, resp.AnchorProof)
	assert.Equal(t, models.AnchorConfirmed, resp.AnchorProof.Status)
	assert.Equal(t, resp.Event.DataHash, resp.AnchorProof.DataHash)
}

func TestCreateEventRejectsBadInput(t *testing.T) {
	env := newHTTPTestServer(t, config.Config{})
	farmer := token(t, "U1", auth.RoleFarmer)

	cases := []struct {
		name    string
		body    string
		status  int
		errCode string
	}{
		{"unknown field", `{"productId":"P1","eventType":"HARVEST","color":"red"}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"malformed json", `{"productId":`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad event type", `{"productId":"P1","eventType":"HARVESTING"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"latitude out of range", `{"productId":"P1","eventType":"HARVEST","location":{"latitude":91,"longitude":0}}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"latitude without longitude", `{"productId":"P1","eventType":"HARVEST","location":{"latitude":12.34}}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"longitude without latitude", `{"productId":"P1","eventType":"HARVEST","location":{"longitude":56.78,"accuracy":3}}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown location member", `{"productId":"P1","eventType":"HARVEST","location":{"latitude":1,"longitude":2,"altitude":3}}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown product", `{"productId":"P404","eventType":"HARVEST"}`, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(env.router, http.MethodPost, "/events", []byte(tc.body), farmer)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())

			var body map[string]string
			decode(t, rec, &body)
			assert.Equal(t, tc.errCode, body["code"])
			assert.NotEmpty(t, body["error"])
		})
	}

	events, err := env.store.ListEventsByProduct(context.Background(), "P1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestGetAndVerifyEvent(t *testing.T) {
	env := newHTTPTestServer(t, config.Config{})
	created := createEvent(t, env)
	id := created.Event.ID

	rec := doRequest(env.router, http.MethodGet, "/events/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.TraceEvent
	decode(t, rec, &got)
	assert.Equal(t, id, got.ID)
	require.NotNil(t, got.Performer)
	assert.Equal(t, "Ada Farms", got.Performer.Name)
	require.NotNil(t, got.AnchorProof)

	rec = doRequest(env.router, http.MethodGet, "/events/"+id+"/verify?chain=true", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res models.VerificationResult
	decode(t, rec, &res)
	assert.True(t, res.IsValid)
	assert.Equal(t, res.StoredHash, res.ComputedHash)
	assert.Equal(t, models.AnchorConfirmed, res.AnchorStatus)
	assert.True(t, res.ChainChecked)
	assert.True(t, res.ChainConfirmed)

	rec = doRequest(env.router, http.MethodGet, "/events/"+id+"/verify?chain=maybe", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(env.router, http.MethodGet, "/events/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doRequest(env.router, http.MethodGet, "/events/missing/verify", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListProductEvents(t *testing.T) {
	env := newHTTPTestServer(t, config.Config{})
	createEvent(t, env)
	createEvent(t, env)

	rec := doRequest(env.router, http.MethodGet, "/events/product/P1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []models.TraceEvent `json:"events"`
		Count  int                 `json:"count"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Events, 2)

	rec = doRequest(env.router, http.MethodGet, "/events/product/P404", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReanchorRequiresAdmin(t *testing.T) {
	env := newHTTPTestServer(t, config.Config{})
	created := createEvent(t, env)
	path := "/events/" + created.Event.ID + "/anchor"

	rec := doRequest(env.router, http.MethodPost, path, nil, token(t, "U1", auth.RoleFarmer))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(env.router, http.MethodPost, path, nil, token(t, "A1", auth.RoleAdmin))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp recordResponse
	decode(t, rec, &resp)
	require.NotNil(t, resp.AnchorProof)
	assert.Equal(t, created.AnchorProof.ID, resp.AnchorProof.ID, "verified events keep their proof")

	rec = doRequest(env.router, http.MethodPost, "/events/missing/anchor", nil, token(t, "A1", auth.RoleAdmin))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTraceByProductAndQR(t *testing.T) {
	env := newHTTPTestServer(t, config.Config{})
	created := createEvent(t, env)
	require.NotNil(t, created.AnchorProof)

	for _, path := range []string{"/trace/product/P1", "/trace/qr/pid=P1", "/trace/qr/%2Ftrace%3Fpid%3DP1"} {
		rec := doRequest(env.router, http.MethodGet, path, nil, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		var trace models.Trace
		decode(t, rec, &trace)
		assert.Equal(t, "P1", trace.ProductID)
		assert.Equal(t, 1, trace.Summary.TotalEvents)
		assert.Equal(t, 1, trace.Summary.AnchoredEvents)
		assert.Equal(t, 1, trace.Summary.ParticipantsCount)
		require.Len(t, trace.Proofs, 1)
		assert.Equal(t, created.AnchorProof.TransactionRef, trace.Proofs[0].TransactionRef)
	}

	rec := doRequest(env.router, http.MethodGet, "/trace/qr/no-product-here", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(env.router, http.MethodGet, "/trace/product/P404", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConsumerTraceRecordsScan(t *testing.T) {
	env := newHTTPTestServer(t, config.Config{})
	createEvent(t, env)

	rec := doRequest(env.router, http.MethodGet, "/trace/product/P1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(env.router, http.MethodGet, "/trace/product/P1", nil, token(t, "U1", auth.RoleFarmer))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(env.router, http.MethodGet, "/trace/product/P1", nil, token(t, "C1", auth.RoleConsumer))
	require.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Wait(ctx))

	events, err := env.store.ListEventsByProduct(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	scan := events[1]
	assert.Equal(t, models.EventScan, scan.EventType)
	assert.Equal(t, "C1", scan.PerformedBy)
	assert.Equal(t, "Consumer scanned product", scan.Description)
}

func TestGetTransaction(t *testing.T) {
	env := newHTTPTestServer(t, config.Config{})
	created := createEvent(t, env)
	require.NotNil(t, created.AnchorProof)

	rec := doRequest(env.router, http.MethodGet, "/ledger/transactions/"+created.AnchorProof.TransactionRef, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var info models.TransactionInfo
	decode(t, rec, &info)
	assert.Equal(t, created.AnchorProof.TransactionRef, info.TransactionRef)
	assert.Equal(t, created.AnchorProof.BlockNumber, info.BlockNumber)

	rec = doRequest(env.router, http.MethodGet, "/ledger/transactions/0x"+strings.Repeat("0", 64), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	env := newHTTPTestServer(t, config.Config{RateLimitRPS: 0.001, RateLimitBurst: 2})

	for i := 0; i < 2; i++ {
		rec := doRequest(env.router, http.MethodGet, "/events/product/P1", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doRequest(env.router, http.MethodGet, "/events/product/P1", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = doRequest(env.router, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code, "health is not rate limited")
}

func getFrom(router http.Handler, path, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.7:41000"
	req.Header.Set("X-Forwarded-For", forwardedFor)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitIgnoresForwardedForByDefault(t *testing.T) {
	env := newHTTPTestServer(t, config.Config{RateLimitRPS: 0.001, RateLimitBurst: 1})

	rec := getFrom(env.router, "/events/product/P1", "203.0.113.1")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = getFrom(env.router, "/events/product/P1", "203.0.113.2")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "a new X-Forwarded-For must not open a new bucket")
}

func TestRateLimitUsesForwardedForBehindTrustedProxy(t *testing.T) {
	env := newHTTPTestServer(t, config.Config{RateLimitRPS: 0.001, RateLimitBurst: 1, TrustProxy: true})

	rec := getFrom(env.router, "/events/product/P1", "203.0.113.1")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = getFrom(env.router, "/events/product/P1", "203.0.113.2")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = getFrom(env.router, "/events/product/P1", "203.0.113.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestWriteTimeout(t *testing.T) {
	assert.Equal(t, 150*time.Second, writeTimeout(2*time.Minute))
	assert.Equal(t, 35*time.Second, writeTimeout(5*time.Second))
	assert.Equal(t, readTimeout, writeTimeout(0))
}

func TestRequestTimeoutCoversAnchoring(t *testing.T) {
	srv := &Server{cfg: config.Config{AnchorTimeout: 2 * time.Minute}}

	var remaining time.Duration
	h := srv.requestTimeout(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		require.True(t, ok)
		remaining = time.Until(deadline)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/events", nil))
	assert.Greater(t, remaining, 2*time.Minute, "writes must outlast the anchor timeout")

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/events/E1", nil))
	assert.LessOrEqual(t, remaining, readTimeout)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newHTTPTestServer(t, config.Config{})
	createEvent(t, env)

	rec := doRequest(env.router, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "traceledger_anchor_attempts_total")
	assert.Contains(t, rec.Body.String(), "traceledger_events_recorded_total")
}
