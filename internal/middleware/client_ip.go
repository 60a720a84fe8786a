// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// UnknownClientIP は呼び出し元IPを特定できない場合の識別子。
const UnknownClientIP = "unknown"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// clientIPContextKey はリクエストコンテキストに呼び出し元IPを格納するためのキー。
var clientIPContextKey = contextKey("client_ip")

// NewClientIPMiddleware は呼び出し元IPを解決してリクエストコンテキストに注入するミドルウェアを返す。
// chiのRealIPより後ろに置くこと。RealIPがRemoteAddrをX-Forwarded-For等の値に書き換える。
func NewClientIPMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := ContextWithClientIP(r.Context(), clientIPFromRemoteAddr(r.RemoteAddr))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// clientIPFromRemoteAddr はRemoteAddrからホスト部を取り出す。
// ポートがない場合（RealIPで書き換えられた場合など）はそのまま使う。
func clientIPFromRemoteAddr(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if remoteAddr == "" {
		return UnknownClientIP
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		if host == "" {
			return UnknownClientIP
		}
		return host
	}
	return remoteAddr
}

// ClientIPFromContext はリクエストコンテキストから呼び出し元IPを取得する。
// ミドルウェアを通過していない場合はUnknownClientIPを返す。
func ClientIPFromContext(ctx context.Context) string {
	ip, ok := ctx.Value(clientIPContextKey).(string)
	if !ok || ip == "" {
		return UnknownClientIP
	}
	return ip
}

// ContextWithClientIP はコンテキストに呼び出し元IPを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey, ip)
}
