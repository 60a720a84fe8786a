// Package checker はキャッシュ、レートリミッター、セッション、オリジンを
// 決まった順序で組み合わせてユーザー名の空き状況を判定する。
//
// 1リクエストの処理順序:
//
//	cache → rate limiter → session → origin → cache write
//
// キャッシュヒット時はレート制限もセッションも消費しない。
package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/namecheck/internal/origin"
	"github.com/hitoshi/namecheck/internal/ratelimit"
	"github.com/hitoshi/namecheck/internal/session"
	"github.com/hitoshi/namecheck/internal/store"
)

// OperationCheckUsername はレート制限キーに使う操作名。
const OperationCheckUsername = "check_username"

const (
	historyCheckedKey  = "namecheck:history:checked"
	historyVerdictsKey = "namecheck:history:verdicts"
)

// Cache は空き状況キャッシュのインターフェース。
type Cache interface {
	Get(ctx context.Context, username string) (available bool, found bool, err error)
	Set(ctx context.Context, username string, available bool) error
}

// RateLimiter はレートリミッターのインターフェース。
type RateLimiter interface {
	Limit(ctx context.Context, key, identity string) (ratelimit.Result, error)
}

// Session はセッション管理のインターフェース。
type Session interface {
	IsValid() bool
	EnsureLoggedIn(ctx context.Context) error
	Expiry() (time.Time, bool)
	Generation() uint64
	Invalidate(generation uint64) bool
}

// Origin はオリジンAPIのインターフェース。
type Origin interface {
	Probe(ctx context.Context, username string) (int, error)
}

// Recorder はチェック処理のメトリクスを記録する。
type Recorder interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordRateLimited()
	RecordOriginStatus(statusCode int)
	RecordOriginLatency(d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordCacheHit()                   {}
func (noopRecorder) RecordCacheMiss()                  {}
func (noopRecorder) RecordRateLimited()                {}
func (noopRecorder) RecordOriginStatus(int)            {}
func (noopRecorder) RecordOriginLatency(time.Duration) {}

// Deps はCheckerの依存関係。HistoryとRecorderは省略可能。
type Deps struct {
	Cache       Cache
	RateLimiter RateLimiter
	Session     Session
	Origin      Origin
	// History は判定履歴の書き込み先。nilの場合は記録しない。
	History  store.KeyValueStore
	Recorder Recorder
	Logger   *slog.Logger
}

// Checker はユーザー名の空き状況チェックを実行する。
type Checker struct {
	cache    Cache
	limiter  RateLimiter
	session  Session
	origin   Origin
	history  store.KeyValueStore
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// New はCheckerを生成する。
func New(deps Deps) *Checker {
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Checker{
		cache:    deps.Cache,
		limiter:  deps.RateLimiter,
		session:  deps.Session,
		origin:   deps.Origin,
		history:  deps.History,
		recorder: deps.Recorder,
		logger:   deps.Logger,
		now:      time.Now,
	}
}

// Check はusernameの空き状況をidentity（呼び出し元IP）の名義で判定する。
//
// 返すerrorはインフラ障害（ストア不通）またはsession.ErrFatalに一致するログイン失敗のみ。
// レート制限とオリジンの異常応答はFailureとして返す。
func (c *Checker) Check(ctx context.Context, username, identity string) (Result, error) {
	// 1. キャッシュ
	available, found, err := c.cache.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if found {
		c.recorder.RecordCacheHit()
		return Success{Available: available, FromCache: true}, nil
	}
	c.recorder.RecordCacheMiss()

	// 2. レート制限（キャッシュミス時のみ）
	limit, err := c.limiter.Limit(ctx, OperationCheckUsername, identity)
	if err != nil {
		return nil, err
	}
	if !limit.Success {
		c.recorder.RecordRateLimited()
		retryAfter := ratelimit.RetryAfterSeconds(limit.ResetAt, c.now())
		c.logger.Warn("rate limit exceeded",
			slog.String("client_ip", identity),
			slog.Int("retry_after", retryAfter),
		)
		return Failure{Kind: FailureRateLimited, RetryAfterSeconds: retryAfter}, nil
	}

	// 3. セッション
	if err := c.session.EnsureLoggedIn(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure origin session: %w", err)
	}
	generation := c.session.Generation()

	// 4. オリジン（ユーザー名は元の大文字小文字のまま問い合わせる）
	start := c.now()
	status, err := c.origin.Probe(ctx, username)
	c.recorder.RecordOriginLatency(c.now().Sub(start))
	if err != nil {
		status = origin.StatusForError(err)
		c.recorder.RecordOriginStatus(status)
		c.logger.Error("origin availability probe failed",
			slog.String("username", username),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		return Failure{Kind: FailureOriginError, StatusCode: status}, nil
	}
	c.recorder.RecordOriginStatus(status)

	switch status {
	case http.StatusOK:
		available = true
	case http.StatusBadRequest:
		// オリジンAPIは取得済みのユーザー名に400を返す
		available = false
	case http.StatusUnauthorized, http.StatusForbidden:
		// セッションが拒否された。問い合わせに使った世代のみ破棄し、次のリクエストで再ログインさせる
		if c.session.Invalidate(generation) {
			c.logger.Warn("origin rejected session, forcing re-login",
				slog.Int("status", status),
			)
		} else {
			c.logger.Debug("origin rejected an already renewed session",
				slog.Int("status", status),
			)
		}
		return Failure{Kind: FailureOriginError, StatusCode: status}, nil
	default:
		c.logger.Warn("origin returned unexpected status",
			slog.String("username", username),
			slog.Int("status", status),
		)
		return Failure{Kind: FailureOriginError, StatusCode: status}, nil
	}

	// 5. キャッシュへの書き込み
	if err := c.cache.Set(ctx, username, available); err != nil {
		return nil, err
	}
	c.recordHistory(ctx, username, available)

	return Success{Available: available, FromCache: false}, nil
}

// recordHistory はオリジンでの判定結果を履歴に残す。失敗してもチェック結果には影響しない。
func (c *Checker) recordHistory(ctx context.Context, username string, available bool) {
	if c.history == nil {
		return
	}
	name := strings.ToLower(username)
	verdict := "0"
	if available {
		verdict = "1"
	}
	err := errors.Join(
		c.history.SAdd(ctx, historyCheckedKey, name),
		c.history.HSet(ctx, historyVerdictsKey, name, verdict),
	)
	if err != nil {
		c.logger.Warn("failed to record lookup history",
			slog.String("username", name),
			slog.String("error", err.Error()),
		)
	}
}

// Status はセッションの状態を表す。
type Status struct {
	LoggedIn  bool
	ExpiresAt *time.Time
	HoursLeft *float64
}

// Status は運用確認用にセッションの状態を返す。
func (c *Checker) Status() Status {
	st := Status{LoggedIn: c.session.IsValid()}
	if expiry, ok := c.session.Expiry(); ok {
		hours := session.HoursLeft(expiry, c.now())
		st.ExpiresAt = &expiry
		st.HoursLeft = &hours
	}
	return st
}
