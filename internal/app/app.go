package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/namecheck/internal/cache"
	"github.com/hitoshi/namecheck/internal/checker"
	"github.com/hitoshi/namecheck/internal/config"
	"github.com/hitoshi/namecheck/internal/handler"
	"github.com/hitoshi/namecheck/internal/logger"
	"github.com/hitoshi/namecheck/internal/metrics"
	"github.com/hitoshi/namecheck/internal/origin"
	"github.com/hitoshi/namecheck/internal/ratelimit"
	"github.com/hitoshi/namecheck/internal/session"
	"github.com/hitoshi/namecheck/internal/store"
	"github.com/hitoshi/namecheck/internal/worker/refresh"
)

// shutdownTimeout はグレースフルシャットダウンで処理中のリクエストを待つ時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	log := logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, log, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("origin", cfg.OriginBaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log, nil)
}

// fatalSignal はリクエスト処理中に起きた回復不能な障害を1回だけ受け渡す。
type fatalSignal struct {
	once sync.Once
	ch   chan error
}

func newFatalSignal() *fatalSignal {
	return &fatalSignal{ch: make(chan error, 1)}
}

// NotifyFatal は最初の障害だけを記録する。
func (f *fatalSignal) NotifyFatal(err error) {
	f.once.Do(func() {
		f.ch <- err
	})
}

// serve はAPIサーバーを起動し、ctxのキャンセルまたは回復不能な障害でシャットダウンする。
// ready が指定された場合、待ち受け開始後にリッスンアドレスを送る。
// 回復不能な障害で停止した場合はその障害をエラーとして返す。
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger, ready chan<- net.Addr) error {
	// 1. Redis接続
	kv, err := store.Open(cfg.RedisURL, store.WithTimeout(cfg.RedisTimeout))
	if err != nil {
		return err
	}
	defer kv.Close()

	if err := kv.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("redis connection established")

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. オリジンセッション
	sessions, err := session.NewManager(session.Config{
		BaseURL:      cfg.OriginBaseURL,
		Identifier:   cfg.OriginIdentifier,
		Password:     cfg.OriginPassword,
		CookieName:   cfg.SessionCookieName,
		SafetyMargin: cfg.SessionSafetyMargin,
		Timeout:      cfg.LoginTimeout,
		Recorder:     collector,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	// 起動時にログインしておく。認証情報の誤りはここで検出して起動を中止する
	if err := sessions.EnsureLoggedIn(ctx); err != nil {
		return fmt.Errorf("initial origin login failed: %w", err)
	}

	originClient, err := origin.NewClient(sessions.Client(), origin.Config{
		BaseURL:          cfg.OriginBaseURL,
		AvailabilityPath: cfg.OriginAvailabilityPath,
		Timeout:          cfg.OriginTimeout,
		MaxRPS:           cfg.OriginMaxRPS,
		Burst:            cfg.OriginBurst,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create origin client: %w", err)
	}

	// 4. チェッカー
	c := checker.New(checker.Deps{
		Cache:       cache.NewAvailabilityCache(kv, cfg.CacheAvailableTTL),
		RateLimiter: ratelimit.New(kv, ratelimit.Config{Limit: cfg.RateLimitMax, Window: cfg.RateLimitWindow}),
		Session:     sessions,
		Origin:      originClient,
		History:     kv,
		Recorder:    collector,
		Logger:      log,
	})

	fatal := newFatalSignal()

	// 5. セッション先行更新ジョブ
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	refresher := refresh.NewRefresher(sessions, fatal.NotifyFatal, log)
	go refresher.Start(workerCtx, cfg.SessionRefreshInterval)

	// 6. HTTPサーバーの起動
	router := handler.NewRouter(&handler.RouterDeps{
		Checker:        c,
		FatalNotifier:  fatal,
		Pinger:         kv,
		AllowedOrigins: cfg.AllowedOrigins,
		Gatherer:       reg,
		Logger:         log,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()
	if ready != nil {
		ready <- ln.Addr()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down API server...")
	case err := <-fatal.ch:
		log.Error("shutting down API server due to unrecoverable origin session failure",
			slog.String("error", err.Error()),
		)
		runErr = fmt.Errorf("origin session failure: %w", err)
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}

	cancelWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("server shutdown failed: %w", err))
	}

	log.Info("API server stopped gracefully")
	return runErr
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
