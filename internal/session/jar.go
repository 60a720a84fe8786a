package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/publicsuffix"
)

// resettableJar は中身を丸ごと入れ替えられるクッキージャー。
// 再ログイン前に古いセッションクッキーを破棄するために使う。
type resettableJar struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

func newResettableJar() *resettableJar {
	j := &resettableJar{}
	j.Reset()
	return j
}

// Reset は空のジャーに入れ替える。
func (j *resettableJar) Reset() {
	// publicsuffixを指定した場合、cookiejar.Newはエラーを返さない
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	j.mu.Lock()
	j.jar = jar
	j.mu.Unlock()
}

func (j *resettableJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	jar := j.jar
	j.mu.RUnlock()
	jar.SetCookies(u, cookies)
}

func (j *resettableJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	jar := j.jar
	j.mu.RUnlock()
	return jar.Cookies(u)
}

// observedCookie はレスポンスで発行されたセッションクッキーの記録。
type observedCookie struct {
	value  string
	expiry time.Time // ゼロ値はブラウザセッションクッキー（有効期限なし）
}

// cookieObserver はレスポンスのSet-Cookieからセッションクッキーの有効期限を記録する。
// cookiejarは有効期限を公開しないため、トランスポート層で捕捉する。
type cookieObserver struct {
	next   http.RoundTripper
	name   string
	now    func() time.Time
	latest atomic.Pointer[observedCookie]
}

func (o *cookieObserver) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := o.next.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	for _, c := range resp.Cookies() {
		if c.Name != o.name {
			continue
		}
		switch {
		case c.MaxAge < 0 || c.Value == "":
			o.latest.Store(nil)
		case c.MaxAge > 0:
			o.latest.Store(&observedCookie{value: c.Value, expiry: o.now().Add(time.Duration(c.MaxAge) * time.Second)})
		case !c.Expires.IsZero() && !c.Expires.After(o.now()):
			o.latest.Store(nil)
		default:
			o.latest.Store(&observedCookie{value: c.Value, expiry: c.Expires})
		}
	}
	return resp, nil
}

// reset は記録を破棄する。
func (o *cookieObserver) reset() {
	o.latest.Store(nil)
}
