package session

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

const (
	loginInitPath    = "/self-service/login/browser"
	loginSubmitPath  = "/self-service/login"
	csrfCookiePrefix = "csrf_token"

	// maxSnippetLen はエラーに含めるレスポンスボディの最大文字数。
	maxSnippetLen = 200
	maxBodyRead   = 4096
)

// flowIDPattern はLocationヘッダーからフローIDを取り出す。
var flowIDPattern = regexp.MustCompile(`[?&]flow=([0-9a-fA-F-]{36})`)

var snippetPolicy = bluemonday.StrictPolicy()

// login はログインプロトコルを実行し、成功時にセッション状態を更新する。
// 呼び出しはsingle-flightで直列化されている。
func (m *Manager) login() (err error) {
	start := m.now()
	defer func() {
		m.cfg.Recorder.RecordLogin(err == nil, m.now().Sub(start))
	}()

	m.logger.Info("オリジンへのログインを開始します",
		slog.String("origin", m.baseURL.Host),
	)

	// 古いセッションクッキーを送るとログイン済みとしてフローが開始されないため破棄する
	m.jar.Reset()
	m.observer.reset()

	// 1. ログインフローの開始
	flowID, backend, err := m.initFlow()
	if err != nil {
		return m.fail(err)
	}

	// 2. CSRFトークンの取得
	csrfToken := m.csrfToken(backend)
	if csrfToken == "" {
		return m.fail(&LoginError{Kind: FailureCSRFMissing, Step: "csrf"})
	}

	// 3〜4. 認証情報の送信
	next, err := m.submit(flowID, csrfToken)
	if err != nil {
		return m.fail(err)
	}

	// 5. リダイレクトを追跡してセッションクッキーの発行を完了させる
	if err := m.finalize(next); err != nil {
		return m.fail(err)
	}

	observed := m.observer.latest.Load()
	if observed == nil {
		return m.fail(&LoginError{Kind: FailureSessionCookieMissing, Step: "finalize"})
	}
	m.state.Store(&state{loggedIn: true, expiry: observed.expiry, generation: m.generations.Add(1)})

	attrs := []any{slog.String("flow_id", flowID)}
	if !observed.expiry.IsZero() {
		attrs = append(attrs,
			slog.Time("expires_at", observed.expiry),
			slog.Float64("hours_left", HoursLeft(observed.expiry, m.now())),
		)
	}
	m.logger.Info("オリジンへのログインに成功しました", attrs...)
	return nil
}

func (m *Manager) fail(err error) error {
	m.state.Store(&state{})
	m.logger.Error("オリジンへのログインに失敗しました",
		slog.String("error", err.Error()),
	)
	return err
}

// initFlow はログインフローを開始し、フローIDとリクエスト先URLを返す。
func (m *Manager) initFlow() (string, *url.URL, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint(loginInitPath).String(), nil)
	if err != nil {
		return "", nil, &LoginError{Kind: FailureRequest, Step: "init", Err: err}
	}
	req.Header.Set("Accept", "text/html")

	resp, err := m.noRedirect.Do(req)
	if err != nil {
		return "", nil, &LoginError{Kind: FailureRequest, Step: "init", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyRead))

	flowID := extractFlowID(resp.Header.Get("Location"))
	if flowID == "" {
		return "", nil, &LoginError{Kind: FailureFlowIDMissing, Step: "init", StatusCode: resp.StatusCode}
	}
	return flowID, resp.Request.URL, nil
}

// extractFlowID はLocationからUUID形式のflowクエリパラメータを取り出す。
func extractFlowID(location string) string {
	match := flowIDPattern.FindStringSubmatch(location)
	if match == nil {
		return ""
	}
	if _, err := uuid.Parse(match[1]); err != nil {
		return ""
	}
	return match[1]
}

// csrfToken はbackendに対して保存されたcsrf_token*クッキーの値を返す。
func (m *Manager) csrfToken(backend *url.URL) string {
	for _, c := range m.jar.Cookies(backend) {
		if strings.HasPrefix(c.Name, csrfCookiePrefix) && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

// submit は認証情報を送信し、成功時のリダイレクト先を返す。
func (m *Manager) submit(flowID, csrfToken string) (*url.URL, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	submitURL := m.endpoint(loginSubmitPath)
	submitURL.RawQuery = url.Values{"flow": {flowID}}.Encode()

	form := url.Values{
		"csrf_token": {csrfToken},
		"identifier": {m.cfg.Identifier},
		"password":   {m.cfg.Password},
		"method":     {"password"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &LoginError{Kind: FailureRequest, Step: "submit", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html")

	resp, err := m.noRedirect.Do(req)
	if err != nil {
		return nil, &LoginError{Kind: FailureRequest, Step: "submit", Err: err}
	}
	defer resp.Body.Close()

	location := resp.Header.Get("Location")
	if resp.StatusCode != http.StatusSeeOther || !strings.Contains(location, "/settings") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyRead))
		return nil, &LoginError{
			Kind:        FailureLoginRejected,
			Step:        "submit",
			StatusCode:  resp.StatusCode,
			BodySnippet: snippet(body),
		}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyRead))

	next, err := resp.Request.URL.Parse(location)
	if err != nil {
		return nil, &LoginError{Kind: FailureLoginRejected, Step: "submit", StatusCode: resp.StatusCode, Err: err}
	}
	return next, nil
}

// finalize はリダイレクト先を追跡してセッションクッキーを受け取る。
func (m *Manager) finalize(next *url.URL) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, next.String(), nil)
	if err != nil {
		return &LoginError{Kind: FailureRequest, Step: "finalize", Err: err}
	}
	req.Header.Set("Accept", "text/html")

	resp, err := m.client.Do(req)
	if err != nil {
		return &LoginError{Kind: FailureRequest, Step: "finalize", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyRead))
	return nil
}

// snippet はHTMLタグを除去し、空白を詰めて先頭maxSnippetLen文字を返す。
func snippet(body []byte) string {
	text := strings.Join(strings.Fields(snippetPolicy.Sanitize(string(body))), " ")
	runes := []rune(text)
	if len(runes) > maxSnippetLen {
		return string(runes[:maxSnippetLen])
	}
	return text
}

// HoursLeft はexpiryまでの残り時間（時間単位）を返す。
func HoursLeft(expiry, now time.Time) float64 {
	return expiry.Sub(now).Hours()
}
