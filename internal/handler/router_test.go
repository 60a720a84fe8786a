package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/namecheck/internal/cache"
	"github.com/hitoshi/namecheck/internal/checker"
	"github.com/hitoshi/namecheck/internal/metrics"
	"github.com/hitoshi/namecheck/internal/origin"
	"github.com/hitoshi/namecheck/internal/ratelimit"
	"github.com/hitoshi/namecheck/internal/store"
)

// stubSession は常にログイン済みのセッション。
type stubSession struct{}

func (stubSession) IsValid() bool                        { return true }
func (stubSession) EnsureLoggedIn(context.Context) error { return nil }
func (stubSession) Expiry() (time.Time, bool)            { return time.Time{}, false }
func (stubSession) Generation() uint64                   { return 1 }
func (stubSession) Invalidate(uint64) bool               { return true }

type routerFixture struct {
	mr          *miniredis.Miniredis
	router      http.Handler
	originCalls *atomic.Int32
}

// newRouterFixture はRedis（miniredis）と擬似オリジンに実コンポーネントを接続したルーターを構築する。
// takenはオリジンで取得済みとして扱うユーザー名。
func newRouterFixture(t *testing.T, rateLimit int, taken ...string) *routerFixture {
	t.Helper()

	var calls atomic.Int32
	originSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		username := r.URL.Query().Get("username")
		for _, name := range taken {
			if username == name {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(originSrv.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kv := store.NewRedisStore(client)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	originClient, err := origin.NewClient(originSrv.Client(), origin.Config{BaseURL: originSrv.URL}, logger)
	if err != nil {
		t.Fatalf("failed to create origin client: %v", err)
	}

	reg := prometheus.NewRegistry()
	c := checker.New(checker.Deps{
		Cache:       cache.NewAvailabilityCache(kv, time.Minute),
		RateLimiter: ratelimit.New(kv, ratelimit.Config{Limit: rateLimit, Window: time.Hour}),
		Session:     stubSession{},
		Origin:      originClient,
		History:     kv,
		Recorder:    metrics.NewCollector(reg),
		Logger:      logger,
	})

	router := NewRouter(&RouterDeps{
		Checker:        c,
		Pinger:         kv,
		AllowedOrigins: []string{"http://localhost:3000"},
		Gatherer:       reg,
		Logger:         logger,
	})

	return &routerFixture{mr: mr, router: router, originCalls: &calls}
}

func (f *routerFixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "203.0.113.9:40000"
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeCheck(t *testing.T, w *httptest.ResponseRecorder) checkResponse {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
	}
	var body checkResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	return body
}

// TestRouter_CheckFlow はキャッシュ・レート制限・オリジンを通したチェックの流れを検証する。
func TestRouter_CheckFlow(t *testing.T) {
	f := newRouterFixture(t, 2, "Taken")

	// 1. 初回はオリジンに問い合わせる
	if got := decodeCheck(t, f.get(t, "/api/check?username=Alice")); got != (checkResponse{Username: "Alice", Available: true}) {
		t.Errorf("first check = %+v", got)
	}

	// 2. 大文字小文字が違ってもキャッシュから返り、レート制限を消費しない
	for i := 0; i < 3; i++ {
		if got := decodeCheck(t, f.get(t, "/api/check?username=alice")); got != (checkResponse{Username: "alice", Available: true, Cached: true}) {
			t.Errorf("cached check = %+v", got)
		}
	}

	// 3. 400は取得済みとして扱う
	if got := decodeCheck(t, f.get(t, "/api/check?username=Taken")); got != (checkResponse{Username: "Taken", Available: false}) {
		t.Errorf("taken check = %+v", got)
	}

	// 取得済みの結果は有効期限なしで保存される
	if ttl := f.mr.TTL(cache.Key("taken")); ttl != 0 {
		t.Errorf("taken TTL = %v, want none", ttl)
	}
	if ttl := f.mr.TTL(cache.Key("alice")); ttl != time.Minute {
		t.Errorf("available TTL = %v, want %v", ttl, time.Minute)
	}

	// 4. キャッシュミスが上限を超えると429
	w := f.get(t, "/api/check?username=someone-new")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header should be set")
	}

	if got := f.originCalls.Load(); got != 2 {
		t.Errorf("origin calls = %d, want 2", got)
	}

	// メトリクスに反映される
	body := f.get(t, "/metrics").Body.String()
	for _, want := range []string{
		"namecheck_cache_hits_total 3",
		"namecheck_rate_limited_total 1",
		`namecheck_origin_status_total{status_code="400"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics should contain %q", want)
		}
	}
}

func TestRouter_Status(t *testing.T) {
	f := newRouterFixture(t, 30)

	w := f.get(t, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

func TestRouter_Health(t *testing.T) {
	f := newRouterFixture(t, 30)

	if w := f.get(t, "/health"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	f.mr.Close()

	if w := f.get(t, "/health"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status after store shutdown = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestRouter_StoreDown_Returns503(t *testing.T) {
	f := newRouterFixture(t, 30)
	f.mr.Close()

	w := f.get(t, "/api/check?username=ivan")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if f.originCalls.Load() != 0 {
		t.Error("origin must not be called when the store is unavailable")
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	f := newRouterFixture(t, 30)

	req := httptest.NewRequest(http.MethodOptions, "/api/check", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestRouter_UnknownRoute_Returns404(t *testing.T) {
	f := newRouterFixture(t, 30)

	if w := f.get(t, "/api/unknown"); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
