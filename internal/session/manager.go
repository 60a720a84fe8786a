// Package session はオリジンAPIに対する唯一の認証済みセッションを管理する。
//
// Managerはクッキージャーとセッションクッキーの有効期限を所有し、
// セッションが無効な場合にのみログインプロトコルを実行する。
// 同時に無効を検知した呼び出し元は1回のログインを共有する（single-flight）。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSafetyMargin は有効期限の手前でセッションを無効とみなす余裕時間。
	DefaultSafetyMargin = 5 * time.Minute
	// DefaultCookieName は既定のセッションクッキー名。
	DefaultCookieName = "ory_kratos_session"
	// DefaultTimeout はログインの各ステップに許容する既定の時間。
	DefaultTimeout = 15 * time.Second
)

// LoginRecorder はログイン試行の結果を記録する。
type LoginRecorder interface {
	RecordLogin(success bool, duration time.Duration)
}

type noopLoginRecorder struct{}

func (noopLoginRecorder) RecordLogin(bool, time.Duration) {}

// Config はManagerの設定を保持する。
type Config struct {
	BaseURL      string
	Identifier   string
	Password     string
	CookieName   string
	SafetyMargin time.Duration
	// Timeout はログインの各ステップ（HTTP往復1回）のタイムアウト。
	Timeout time.Duration
	// Transport はテスト用に差し替え可能。nilの場合はhttp.DefaultTransport。
	Transport http.RoundTripper
	Recorder  LoginRecorder
}

// state はセッションのスナップショット。生成後は変更しない。
type state struct {
	loggedIn   bool
	expiry     time.Time // ゼロ値は有効期限なし
	generation uint64    // ログインに成功するたびに増える
}

// Manager はプロセス内で唯一のセッションを所有する。
type Manager struct {
	cfg     Config
	baseURL *url.URL
	logger  *slog.Logger

	jar      *resettableJar
	observer *cookieObserver

	// client はリダイレクトを追跡する認証済みクライアント。オリジンへの問い合わせにも使う。
	client *http.Client
	// noRedirect はリダイレクトを追跡しないクライアント。ログインのステップ1と3で使う。
	noRedirect *http.Client

	state       atomic.Pointer[state]
	generations atomic.Uint64
	group       singleflight.Group
	now   func() time.Time
}

// NewManager はManagerを生成する。セッションは空の状態で開始する。
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid origin base url: %q", cfg.BaseURL)
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopLoginRecorder{}
	}

	m := &Manager{
		cfg:     cfg,
		baseURL: base,
		logger:  logger,
		jar:     newResettableJar(),
		now:     time.Now,
	}
	m.observer = &cookieObserver{
		next: cfg.Transport,
		name: cfg.CookieName,
		now:  func() time.Time { return m.now() },
	}
	m.client = &http.Client{
		Transport: m.observer,
		Jar:       m.jar,
	}
	m.noRedirect = &http.Client{
		Transport: m.observer,
		Jar:       m.jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	m.state.Store(&state{})

	return m, nil
}

// Client はセッションクッキーを送信するHTTPクライアントを返す。
func (m *Manager) Client() *http.Client {
	return m.client
}

// IsValid はセッションが有効かを返す。ネットワークアクセスは行わない。
// セッションクッキーがない場合、または有効期限まで安全マージン未満の場合はfalse。
func (m *Manager) IsValid() bool {
	s := m.state.Load()
	if !s.loggedIn {
		return false
	}
	if s.expiry.IsZero() {
		return true
	}
	return m.now().Add(m.cfg.SafetyMargin).Before(s.expiry)
}

// Expiry はセッションクッキーの有効期限を返す。ステータス表示用。
func (m *Manager) Expiry() (time.Time, bool) {
	s := m.state.Load()
	if !s.loggedIn || s.expiry.IsZero() {
		return time.Time{}, false
	}
	return s.expiry, true
}

// Generation は現在のセッションの世代番号を返す。未ログインの場合は0。
// オリジンへの問い合わせ前に取得し、拒否された場合にInvalidateへ渡す。
func (m *Manager) Generation() uint64 {
	s := m.state.Load()
	if !s.loggedIn {
		return 0
	}
	return s.generation
}

// Invalidate は世代generationのセッションを無効とみなす。オリジンが401/403を返したときに呼ばれ、
// 次のEnsureLoggedInで再ログインさせる。
// その間に別のログインで新しいセッションに置き換わっていた場合は何もせずfalseを返す。
func (m *Manager) Invalidate(generation uint64) bool {
	s := m.state.Load()
	if !s.loggedIn || s.generation != generation {
		return false
	}
	return m.state.CompareAndSwap(s, &state{})
}

// EnsureLoggedIn はセッションが無効な場合にログインする。有効な場合は何もしない。
// 同時に呼び出された場合、実行中の1回のログイン結果を共有する。
// ログインの失敗はErrFatalに一致する*LoginErrorとして返す。
// ctxの終了で待機をやめた場合はctx.Err()を返す（ログイン自体は継続する）。
func (m *Manager) EnsureLoggedIn(ctx context.Context) error {
	if m.IsValid() {
		return nil
	}

	ch := m.group.DoChan("login", func() (interface{}, error) {
		// 待機中に別のログインが完了している場合がある
		if m.IsValid() {
			return nil, nil
		}
		return nil, m.login()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) endpoint(path string) *url.URL {
	return m.baseURL.JoinPath(path)
}
