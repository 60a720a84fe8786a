package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/namecheck/internal/metrics"
	"github.com/hitoshi/namecheck/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Checker       CheckerInterface
	FatalNotifier FatalNotifier
	Pinger        Pinger

	// AllowedOrigins はCORSで許可するオリジンの一覧。
	AllowedOrigins []string
	// Gatherer がnilの場合、/metricsは公開しない。
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → ClientIP → Logging → Recovery → SecurityHeaders → CORS
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.NewClientIPMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.AllowedOrigins))

	checkHandler := NewCheckHandler(deps.Checker, deps.FatalNotifier, logger)
	healthHandler := NewHealthHandler(deps.Pinger, logger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/check", checkHandler.Check)
		r.Get("/status", checkHandler.Status)
	})

	r.Get("/health", healthHandler.Health)

	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	return r
}
