package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stockd/core/internal/adapters/audit"
	"github.com/stockd/core/internal/adapters/delivery"
	httpHandlers "github.com/stockd/core/internal/adapters/http"
	"github.com/stockd/core/internal/adapters/ratelimit"
	"github.com/stockd/core/internal/adapters/repository"
	"github.com/stockd/core/internal/application/services"
	"github.com/stockd/core/internal/domain/entities"
	"github.com/stockd/core/internal/infrastructure/config"
	"github.com/stockd/core/internal/infrastructure/logger"
	"github.com/stockd/core/internal/infrastructure/metrics"
	"github.com/stockd/core/internal/ports"
)

type testServer struct {
	srv   *Server
	auth  *services.AuthService
	inbox *delivery.Inbox
	cache *services.StockCache
	dir   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{
		Stock:   config.StockConfig{DataDir: dir, Categories: []string{"vcc", "mcacc"}, RefreshInterval: time.Minute},
		Restock: config.RestockConfig{CategoryTimeout: 2 * time.Second, PayloadTimeout: 2 * time.Second, SessionTTL: time.Minute},
		Gate:    config.GateConfig{Cooldown: 2 * time.Minute, CooldownBackend: "memory", MinAccountAgeDays: 7},
		JWT:     config.JWTConfig{Secret: "test-secret", ExpiresIn: time.Hour, Issuer: "stockd"},
		Metrics: config.MetricsConfig{Enabled: true},
	}

	appLogger := logger.NewNop()
	recorder := metrics.New()
	categories := cfg.Stock.CategorySet()

	store, err := repository.NewFileLineStore(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	cache := services.NewStockCache(store, categories, recorder, appLogger)
	queue := services.NewStockQueue(store, services.NewLockTable(categories), cache, recorder, appLogger)
	inbox := delivery.NewInbox()
	auth := services.NewAuthService(cfg.JWT, appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv, err := New(ctx, cfg, Dependencies{
		Auth:     auth,
		Dispense: services.NewDispenseService(queue, inbox, audit.NewLoggerSink(appLogger), recorder, appLogger),
		Restock:  services.NewRestockService(queue, categories, cfg.Restock, appLogger),
		Stock:    cache,
		Cooldown: ratelimit.NewMemoryCooldown(cfg.Gate.Cooldown),
		Inbox:    inbox,
		Recorder: recorder,
	}, appLogger)
	if err != nil {
		t.Fatalf("server: %v", err)
	}

	return &testServer{srv: srv, auth: auth, inbox: inbox, cache: cache, dir: dir}
}

func (ts *testServer) seed(t *testing.T, category, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(ts.dir, category+".txt"), []byte(content), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (ts *testServer) token(t *testing.T, userID string, role entities.UserRole, accountAge time.Duration) string {
	t.Helper()
	token, err := ts.auth.IssueToken(ports.Claims{
		UserID:           userID,
		Username:         "user-" + userID,
		Role:             role,
		AccountCreatedAt: time.Now().Add(-accountAge),
	})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return token
}

func (ts *testServer) do(method, path, token string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.srv.echo.ServeHTTP(rec, req)
	return rec
}

const month = 30 * 24 * time.Hour

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestServer_KeepAlive(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != keepAliveText {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestServer_Ready(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(http.MethodGet, "/ready", "", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	os.RemoveAll(ts.dir)
	if rec := ts.do(http.MethodGet, "/ready", "", nil, ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without data dir, got %d", rec.Code)
	}
}

func TestServer_GenDeliversAndStartsCooldown(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "vcc", "A1\nA2\n")
	token := ts.token(t, "u1", entities.UserRoleMember, month)

	rec := ts.do(http.MethodPost, "/api/v1/gen/vcc", token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp httpHandlers.DispenseResponse
	decode(t, rec, &resp)
	if resp.Result.Outcome != entities.DispenseOutcomeDelivered || resp.Result.Label != "VCC" {
		t.Errorf("unexpected result %+v", resp.Result)
	}

	rec = ts.do(http.MethodGet, "/api/v1/me/inbox", token, nil, "")
	var inbox httpHandlers.InboxResponse
	decode(t, rec, &inbox)
	if len(inbox.Deliveries) != 1 || inbox.Deliveries[0].Record != "A1" {
		t.Errorf("expected A1 in inbox, got %+v", inbox.Deliveries)
	}

	rec = ts.do(http.MethodPost, "/api/v1/gen/vcc", token, nil, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	var cooldown httpHandlers.CooldownResponse
	decode(t, rec, &cooldown)
	if cooldown.RetryAfter <= 0 || cooldown.RetryAfter > 120 {
		t.Errorf("unexpected retry_after %d", cooldown.RetryAfter)
	}
}

func TestServer_GenUnknownCategoryKeepsCooldown(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "vcc", "A1\n")
	token := ts.token(t, "u1", entities.UserRoleMember, month)

	if rec := ts.do(http.MethodPost, "/api/v1/gen/bogus", token, nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodPost, "/api/v1/gen/VCC", token, nil, ""); rec.Code != http.StatusOK {
		t.Errorf("bad usage must not consume the cooldown, got %d", rec.Code)
	}
}

func TestServer_GenOutOfStock(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "u1", entities.UserRoleMember, month)

	rec := ts.do(http.MethodPost, "/api/v1/gen/mcacc", token, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var resp httpHandlers.DispenseResponse
	decode(t, rec, &resp)
	if !strings.Contains(resp.Message, "MCACC is out of stock") {
		t.Errorf("unexpected message %q", resp.Message)
	}
}

func TestServer_GenClosedInbox(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "vcc", "A1\nA2\n")
	token := ts.token(t, "u1", entities.UserRoleMember, month)

	rec := ts.do(http.MethodPut, "/api/v1/me/inbox", token, []byte(`{"open":false}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("close inbox: %d %s", rec.Code, rec.Body.String())
	}

	if rec := ts.do(http.MethodPost, "/api/v1/gen/vcc", token, nil, ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	data, _ := os.ReadFile(filepath.Join(ts.dir, "vcc.txt"))
	if string(data) != "A2\n" {
		t.Errorf("expected the undelivered record to be consumed, store is %q", data)
	}
}

func TestServer_Gates(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "vcc", "A1\n")

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"guest role", ts.token(t, "g", entities.UserRoleGuest, month), http.StatusForbidden},
		{"new account", ts.token(t, "n", entities.UserRoleMember, 24*time.Hour), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do(http.MethodPost, "/api/v1/gen/vcc", tt.token, nil, ""); rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestServer_StockSnapshot(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "vcc", "A1\nA2\nA3\n")
	ts.cache.RefreshAll(context.Background())
	token := ts.token(t, "u1", entities.UserRoleMember, month)

	rec := ts.do(http.MethodGet, "/api/v1/stock", token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp httpHandlers.StockResponse
	decode(t, rec, &resp)

	counts := map[entities.Category]int64{}
	for _, l := range resp.Levels {
		counts[l.Category] = l.Count
	}
	if counts["vcc"] != 3 || counts["mcacc"] != 0 {
		t.Errorf("unexpected levels %+v", resp.Levels)
	}
}

func TestServer_RestockSession(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "mcacc", "M1")
	admin := ts.token(t, "admin", entities.UserRoleAdmin, month)

	if rec := ts.do(http.MethodPost, "/api/v1/restock", ts.token(t, "u1", entities.UserRoleMember, month), nil, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("member must not restock, got %d", rec.Code)
	}

	rec := ts.do(http.MethodPost, "/api/v1/restock", admin, nil, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var started httpHandlers.RestockResponse
	decode(t, rec, &started)
	if started.State.SessionID == "" || started.State.Step != entities.RestockStepAwaitCategory {
		t.Fatalf("unexpected initial state %+v", started.State)
	}
	base := "/api/v1/restock/" + started.State.SessionID

	// Another admin cannot see the session
	other := ts.token(t, "admin2", entities.UserRoleAdmin, month)
	if rec := ts.do(http.MethodGet, base, other, nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a foreign session, got %d", rec.Code)
	}

	if rec := ts.do(http.MethodPost, base+"/messages", admin, []byte(`{"content":"MCACC"}`), "application/json"); rec.Code != http.StatusAccepted {
		t.Fatalf("category reply: %d %s", rec.Code, rec.Body.String())
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "stock.txt")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("\xEF\xBB\xBFM2\r\n\r\nM3\n"))
	w.Close()

	if rec := ts.do(http.MethodPost, base+"/messages", admin, body.Bytes(), w.FormDataContentType()); rec.Code != http.StatusAccepted {
		t.Fatalf("file reply: %d %s", rec.Code, rec.Body.String())
	}

	var state ports.RestockState
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var resp httpHandlers.RestockResponse
		decode(t, ts.do(http.MethodGet, base, admin, nil, ""), &resp)
		state = resp.State
		if state.Step.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if state.Step != entities.RestockStepCompleted || state.Added != 2 {
		t.Fatalf("expected completed with 2 added, got %+v", state)
	}

	data, _ := os.ReadFile(filepath.Join(ts.dir, "mcacc.txt"))
	if string(data) != "M1\nM2\nM3\n" {
		t.Errorf("unexpected store contents %q", data)
	}

	if rec := ts.do(http.MethodPost, base+"/messages", admin, []byte(`{"content":"vcc"}`), "application/json"); rec.Code != http.StatusGone {
		t.Errorf("expected 410 after completion, got %d", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "vcc", "A1\n")
	token := ts.token(t, "u1", entities.UserRoleMember, month)
	ts.do(http.MethodPost, "/api/v1/gen/vcc", token, nil, "")

	rec := ts.do(http.MethodGet, "/metrics", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	for _, name := range []string{"stockd_dispense_total", "http_requests_total"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Errorf("expected %s in metrics output", name)
		}
	}
}

func TestServer_GenStorageFailureRefundsCooldown(t *testing.T) {
	ts := newTestServer(t)
	// A directory where the category file should be makes every read fail
	if err := os.Mkdir(filepath.Join(ts.dir, "vcc.txt"), 0o755); err != nil {
		t.Fatal(err)
	}
	token := ts.token(t, "u1", entities.UserRoleMember, month)

	for i := 0; i < 2; i++ {
		if rec := ts.do(http.MethodPost, "/api/v1/gen/vcc", token, nil, ""); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("attempt %d: expected 503, got %d", i+1, rec.Code)
		}
	}
}
