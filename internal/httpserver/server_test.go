package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/VidGrowLab/vidgrow/internal/store/gormstore"
	"github.com/VidGrowLab/vidgrow/pkg/promo"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSigningKey = "test-signing-key"

type testEnv struct {
	router *gin.Engine
	clock  *testClock
}

type testClock struct {
	nowUnixUTC int64
}

func (clock *testClock) Now() int64 {
	return clock.nowUnixUTC
}

func newTestEnv(test *testing.T) *testEnv {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("db handle: %v", err)
	}
	// One connection keeps every query on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })

	store := gormstore.New(db)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}

	clock := &testClock{nowUnixUTC: 1_700_000_000}
	service, err := promo.NewService(store, clock.Now)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}

	cfg := Config{
		ListenAddr:      ":0",
		AllowedOrigins:  []string{"http://localhost:3000"},
		TokenSigningKey: testSigningKey,
		TokenIssuer:     "vidgrow",
		RequestTimeout:  5 * time.Second,
	}
	router := setupRouter(cfg, &httpHandler{
		logger:  zap.NewNop(),
		service: service,
		cfg:     cfg,
	})
	return &testEnv{router: router, clock: clock}
}

func (env *testEnv) token(test *testing.T, accountID string) string {
	test.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": accountID,
		"iss": "vidgrow",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return signed
}

func (env *testEnv) request(test *testing.T, method string, path string, accountID string, body any) *httptest.ResponseRecorder {
	test.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			test.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if accountID != "" {
		request.Header.Set("Authorization", "Bearer "+env.token(test, accountID))
	}
	recorder := httptest.NewRecorder()
	env.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		test.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func errorCodeOf(test *testing.T, recorder *httptest.ResponseRecorder) string {
	test.Helper()
	payload := decodeBody(test, recorder)
	errObject, ok := payload["error"].(map[string]any)
	if !ok {
		test.Fatalf("expected error envelope, got %q", recorder.Body.String())
	}
	code, _ := errObject["code"].(string)
	return code
}

func TestHealthz(test *testing.T) {
	env := newTestEnv(test)
	recorder := env.request(test, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestMissingTokenUnauthorized(test *testing.T) {
	env := newTestEnv(test)
	recorder := env.request(test, http.MethodGet, "/api/wallet", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestForgedTokenUnauthorized(test *testing.T) {
	env := newTestEnv(test)
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"iss": "vidgrow",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := forged.SignedString([]byte("wrong-key"))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	request := httptest.NewRequest(http.MethodGet, "/api/wallet", nil)
	request.Header.Set("Authorization", "Bearer "+signed)
	recorder := httptest.NewRecorder()
	env.router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestPurchaseValidation(test *testing.T) {
	env := newTestEnv(test)
	recorder := env.request(test, http.MethodPost, "/api/wallet/purchase", "user-1", map[string]any{"coins": 7})
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for off-step purchase, got %d", recorder.Code)
	}
	recorder = env.request(test, http.MethodPost, "/api/wallet/purchase", "user-1", map[string]any{"coins": 50})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["balance"].(float64) != 50 {
		test.Fatalf("expected balance 50, got %v", payload["balance"])
	}
}

func TestPromotionLifecycleOverHTTP(test *testing.T) {
	env := newTestEnv(test)

	if recorder := env.request(test, http.MethodPost, "/api/wallet/purchase", "promoter", map[string]any{"coins": 100}); recorder.Code != http.StatusOK {
		test.Fatalf("purchase: %d %s", recorder.Code, recorder.Body.String())
	}

	recorder := env.request(test, http.MethodPost, "/api/promotions", "promoter", map[string]any{
		"video_id":         "video-1",
		"title":            "My launch clip",
		"duration_seconds": 30,
		"target_views":     1,
	})
	if recorder.Code != http.StatusCreated {
		test.Fatalf("create: %d %s", recorder.Code, recorder.Body.String())
	}
	created := decodeBody(test, recorder)["promotion"].(map[string]any)
	promotionID := created["promotion_id"].(string)
	if created["status"].(string) != "on_hold" {
		test.Fatalf("expected on_hold, got %v", created["status"])
	}

	// Wallet reflects the debit: 3 coins for one 30s view, margin floored away.
	recorder = env.request(test, http.MethodGet, "/api/wallet", "promoter", nil)
	wallet := decodeBody(test, recorder)["wallet"].(map[string]any)
	if wallet["balance"].(float64) != 97 {
		test.Fatalf("expected balance 97, got %v", wallet["balance"])
	}

	// Claims bounce while the hold is pending.
	recorder = env.request(test, http.MethodPost, "/api/promotions/"+promotionID+"/claim", "viewer-1", map[string]any{"watched_seconds": 30})
	if recorder.Code != http.StatusConflict {
		test.Fatalf("expected 409 during hold, got %d %s", recorder.Code, recorder.Body.String())
	}
	if code := errorCodeOf(test, recorder); code != "promotion_unavailable" {
		test.Fatalf("expected promotion_unavailable, got %q", code)
	}

	env.clock.nowUnixUTC += 601

	// The lapsed hold surfaces in the viewer queue.
	recorder = env.request(test, http.MethodGet, "/api/queue", "viewer-1", nil)
	queue := decodeBody(test, recorder)["promotions"].([]any)
	if len(queue) != 1 {
		test.Fatalf("expected 1 queued promotion, got %d", len(queue))
	}

	// A short watch is rejected but remembered.
	recorder = env.request(test, http.MethodPost, "/api/promotions/"+promotionID+"/claim", "viewer-1", map[string]any{"watched_seconds": 10})
	if recorder.Code != http.StatusConflict {
		test.Fatalf("expected 409 for short watch, got %d", recorder.Code)
	}
	if code := errorCodeOf(test, recorder); code != "insufficient_watch_time" {
		test.Fatalf("expected insufficient_watch_time, got %q", code)
	}

	recorder = env.request(test, http.MethodPost, "/api/promotions/"+promotionID+"/claim", "viewer-1", map[string]any{"watched_seconds": 30})
	if recorder.Code != http.StatusOK {
		test.Fatalf("claim: %d %s", recorder.Code, recorder.Body.String())
	}
	claim := decodeBody(test, recorder)
	if claim["coins_earned"].(float64) != 3 {
		test.Fatalf("expected 3 coins, got %v", claim["coins_earned"])
	}
	if claim["promotion_completed"].(bool) != true {
		test.Fatalf("expected completion on final view")
	}

	// The same viewer cannot earn twice.
	recorder = env.request(test, http.MethodPost, "/api/promotions/"+promotionID+"/claim", "viewer-1", map[string]any{"watched_seconds": 30})
	if code := errorCodeOf(test, recorder); code != "promotion_unavailable" && code != "target_reached" && code != "already_completed" {
		test.Fatalf("expected terminal rejection, got %q", code)
	}

	// History shows the purchase but hides watch rewards.
	recorder = env.request(test, http.MethodGet, "/api/wallet/history", "viewer-1", nil)
	entries := decodeBody(test, recorder)["entries"].([]any)
	if len(entries) != 0 {
		test.Fatalf("expected watch rewards hidden from history, got %v", entries)
	}

	// Both parties stay conserved.
	for _, accountID := range []string{"promoter", "viewer-1"} {
		recorder = env.request(test, http.MethodGet, "/api/wallet/audit", accountID, nil)
		audit := decodeBody(test, recorder)
		if audit["balanced"].(bool) != true {
			test.Fatalf("account %s drifted: %v", accountID, audit)
		}
	}
}

func TestCancelRefundsOverHTTP(test *testing.T) {
	env := newTestEnv(test)
	if recorder := env.request(test, http.MethodPost, "/api/wallet/purchase", "promoter", map[string]any{"coins": 100}); recorder.Code != http.StatusOK {
		test.Fatalf("purchase: %d", recorder.Code)
	}
	recorder := env.request(test, http.MethodPost, "/api/promotions", "promoter", map[string]any{
		"video_id":         "video-2",
		"title":            "Cancelled clip",
		"duration_seconds": 30,
		"target_views":     3,
	})
	promotionID := decodeBody(test, recorder)["promotion"].(map[string]any)["promotion_id"].(string)

	recorder = env.request(test, http.MethodPost, "/api/promotions/"+promotionID+"/cancel", "promoter", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("cancel: %d %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["refund_percent"].(float64) != 100 {
		test.Fatalf("expected full refund, got %v", payload)
	}

	recorder = env.request(test, http.MethodGet, "/api/wallet", "promoter", nil)
	wallet := decodeBody(test, recorder)["wallet"].(map[string]any)
	if wallet["balance"].(float64) != 100 {
		test.Fatalf("expected balance restored to 100, got %v", wallet["balance"])
	}

	// Cancelling again reports the promotion gone.
	recorder = env.request(test, http.MethodPost, "/api/promotions/"+promotionID+"/cancel", "promoter", nil)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestPauseResumeOverHTTP(test *testing.T) {
	env := newTestEnv(test)
	if recorder := env.request(test, http.MethodPost, "/api/wallet/purchase", "promoter", map[string]any{"coins": 100}); recorder.Code != http.StatusOK {
		test.Fatalf("purchase: %d", recorder.Code)
	}
	recorder := env.request(test, http.MethodPost, "/api/promotions", "promoter", map[string]any{
		"video_id":         "video-3",
		"title":            "Paused clip",
		"duration_seconds": 30,
		"target_views":     3,
	})
	promotionID := decodeBody(test, recorder)["promotion"].(map[string]any)["promotion_id"].(string)
	env.clock.nowUnixUTC += 601

	// Pausing an on-hold promotion is rejected even after the hold lapses
	// until something activates it; a claim does.
	recorder = env.request(test, http.MethodPost, "/api/promotions/"+promotionID+"/claim", "viewer-1", map[string]any{"watched_seconds": 30})
	if recorder.Code != http.StatusOK {
		test.Fatalf("activating claim: %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = env.request(test, http.MethodPost, "/api/promotions/"+promotionID+"/pause", "promoter", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("pause: %d %s", recorder.Code, recorder.Body.String())
	}
	recorder = env.request(test, http.MethodGet, "/api/queue", "viewer-2", nil)
	if queue := decodeBody(test, recorder)["promotions"].([]any); len(queue) != 0 {
		test.Fatalf("expected paused promotion out of queue, got %v", queue)
	}
	recorder = env.request(test, http.MethodPost, "/api/promotions/"+promotionID+"/resume", "promoter", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("resume: %d %s", recorder.Code, recorder.Body.String())
	}
	recorder = env.request(test, http.MethodGet, "/api/queue", "viewer-2", nil)
	if queue := decodeBody(test, recorder)["promotions"].([]any); len(queue) != 1 {
		test.Fatalf("expected resumed promotion back in queue, got %v", queue)
	}
}

func TestMetricsEndpointExposed(test *testing.T) {
	env := newTestEnv(test)
	recorder := env.request(test, http.MethodGet, "/metrics", "", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200 from /metrics, got %d", recorder.Code)
	}
	if !bytes.Contains(recorder.Body.Bytes(), []byte("go_goroutines")) {
		test.Fatalf("expected runtime metrics in output")
	}
}

func TestRepromoteOverHTTP(test *testing.T) {
	env := newTestEnv(test)
	if recorder := env.request(test, http.MethodPost, "/api/wallet/purchase", "promoter", map[string]any{"coins": 100}); recorder.Code != http.StatusOK {
		test.Fatalf("purchase: %d", recorder.Code)
	}
	recorder := env.request(test, http.MethodPost, "/api/promotions", "promoter", map[string]any{
		"video_id":         "video-4",
		"title":            "Second round clip",
		"duration_seconds": 30,
		"target_views":     1,
	})
	promotionID := decodeBody(test, recorder)["promotion"].(map[string]any)["promotion_id"].(string)
	env.clock.nowUnixUTC += 601

	if recorder := env.request(test, http.MethodPost, "/api/promotions/"+promotionID+"/claim", "viewer-1", map[string]any{"watched_seconds": 30}); recorder.Code != http.StatusOK {
		test.Fatalf("claim: %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = env.request(test, http.MethodPost, fmt.Sprintf("/api/promotions/%s/repromote", promotionID), "promoter", map[string]any{
		"target_views":     2,
		"duration_seconds": 30,
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("repromote: %d %s", recorder.Code, recorder.Body.String())
	}
	repromoted := decodeBody(test, recorder)["promotion"].(map[string]any)
	if repromoted["status"].(string) != "repromoted" {
		test.Fatalf("expected repromoted, got %v", repromoted["status"])
	}
	if repromoted["views_count"].(float64) != 0 {
		test.Fatalf("expected view count reset, got %v", repromoted["views_count"])
	}

	// The prior viewer may earn again in the fresh round.
	if recorder := env.request(test, http.MethodPost, "/api/promotions/"+promotionID+"/claim", "viewer-1", map[string]any{"watched_seconds": 30}); recorder.Code != http.StatusOK {
		test.Fatalf("fresh-round claim: %d %s", recorder.Code, recorder.Body.String())
	}
}
