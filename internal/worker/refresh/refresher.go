// Package refresh はオリジンセッションの先行更新ジョブを提供する。
// 一定間隔でセッションの有効性を確認し、安全マージンに入ったセッションを
// リクエストが来る前に張り替える。
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/namecheck/internal/session"
)

// DefaultInterval は既定の確認間隔。
const DefaultInterval = time.Minute

// SessionKeeper はRefresherが必要とするセッション操作。
type SessionKeeper interface {
	IsValid() bool
	EnsureLoggedIn(ctx context.Context) error
}

// Refresher はセッションの先行更新ジョブ。
type Refresher struct {
	session SessionKeeper
	onFatal func(err error)
	logger  *slog.Logger
}

// NewRefresher は新しいRefresherを生成する。
// onFatalはログインが回復不能な理由で失敗したときに1回だけ呼ばれる。
func NewRefresher(s SessionKeeper, onFatal func(err error), logger *slog.Logger) *Refresher {
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &Refresher{
		session: s,
		onFatal: onFatal,
		logger:  logger,
	}
}

// Start はctxがキャンセルされるか回復不能な失敗が起きるまで、intervalごとにRunOnceを実行する。
func (r *Refresher) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("セッション更新ジョブを開始しました",
		slog.Duration("interval", interval),
	)

	for {
		if err := r.RunOnce(ctx); err != nil {
			if errors.Is(err, session.ErrFatal) {
				r.logger.Error("セッション更新ジョブを停止しました（ログイン不能）",
					slog.String("error", err.Error()),
				)
				r.onFatal(err)
				return
			}
			if ctx.Err() == nil {
				r.logger.Warn("セッション更新に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}

		select {
		case <-ctx.Done():
			r.logger.Info("セッション更新ジョブを停止しました")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce はセッションが無効（または安全マージン内）の場合のみ再ログインする。
// 有効なセッションがあれば何もしない。
func (r *Refresher) RunOnce(ctx context.Context) error {
	if r.session.IsValid() {
		return nil
	}

	start := time.Now()
	if err := r.session.EnsureLoggedIn(ctx); err != nil {
		return err
	}

	r.logger.Info("セッションを先行更新しました",
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
