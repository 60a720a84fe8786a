// Package cache はユーザー名の空き状況をストア上にキャッシュする（cache-aside）。
//
// 「取得済み」の結果は有効期限なしで保存し、「空きあり」の結果は短いTTLで保存する。
// 取得済みのユーザー名が再び空くことはまれだが、空いている名前はすぐに取られうるため。
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/namecheck/internal/store"
)

const (
	// DefaultAvailableTTL は「空きあり」結果の既定のTTL。
	DefaultAvailableTTL = 60 * time.Second

	keyPrefix = "namecheck:availability:"

	valueAvailable = "1"
	valueTaken     = "0"
)

// AvailabilityCache はユーザー名ごとの空き状況キャッシュ。
type AvailabilityCache struct {
	store        store.KeyValueStore
	availableTTL time.Duration
}

// NewAvailabilityCache はAvailabilityCacheを生成する。
// availableTTLが0以下の場合は既定値を使用する。
func NewAvailabilityCache(s store.KeyValueStore, availableTTL time.Duration) *AvailabilityCache {
	if availableTTL <= 0 {
		availableTTL = DefaultAvailableTTL
	}
	return &AvailabilityCache{
		store:        s,
		availableTTL: availableTTL,
	}
}

// Key はユーザー名からキャッシュキーを組み立てる。大文字小文字は区別しない。
func Key(username string) string {
	return keyPrefix + strings.ToLower(username)
}

// Get はキャッシュ済みの空き状況を返す。未キャッシュの場合はfound=falseを返す。
// ストア障害はエラーとして返し、キャッシュミス扱いにはしない。
func (c *AvailabilityCache) Get(ctx context.Context, username string) (available bool, found bool, err error) {
	v, found, err := c.store.Get(ctx, Key(username))
	if err != nil {
		return false, false, fmt.Errorf("availability cache read failed: %w", err)
	}
	if !found {
		return false, false, nil
	}
	switch v {
	case valueAvailable:
		return true, true, nil
	case valueTaken:
		return false, true, nil
	default:
		// 不明な値はキャッシュミスとして扱い、オリジンへの問い合わせで上書きさせる
		return false, false, nil
	}
}

// Set は空き状況を書き込む。空きありはTTL付き、取得済みは有効期限なし。
func (c *AvailabilityCache) Set(ctx context.Context, username string, available bool) error {
	value, ttl := valueTaken, time.Duration(0)
	if available {
		value, ttl = valueAvailable, c.availableTTL
	}
	if err := c.store.Set(ctx, Key(username), value, ttl); err != nil {
		return fmt.Errorf("availability cache write failed: %w", err)
	}
	return nil
}
