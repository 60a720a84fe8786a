package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, WithTimeout(time.Second)), mr
}

func TestRedisStore_GetMissing(t *testing.T) {
	s, _ := newTestStore(t)

	v, found, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get がエラーを返した: %v", err)
	}
	if found || v != "" {
		t.Errorf("Get = (%q, %v), want (\"\", false)", v, found)
	}
}

func TestRedisStore_SetWithTTL_Expires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", "v", 10*time.Second); err != nil {
		t.Fatalf("Set がエラーを返した: %v", err)
	}

	v, found, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get がエラーを返した: %v", err)
	}
	if !found || v != "v" {
		t.Errorf("Get = (%q, %v), want (\"v\", true)", v, found)
	}
	if got := mr.TTL("k"); got != 10*time.Second {
		t.Errorf("TTL = %v, want 10s", got)
	}

	mr.FastForward(11 * time.Second)

	if _, found, err := s.Get(ctx, "k"); err != nil || found {
		t.Errorf("TTL経過後の Get = (found=%v, err=%v), want (false, nil)", found, err)
	}
}

func TestRedisStore_SetWithoutTTL_Persists(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set がエラーを返した: %v", err)
	}
	if got := mr.TTL("k"); got != 0 {
		t.Errorf("TTL = %v, want 0（期限なし）", got)
	}

	mr.FastForward(24 * time.Hour)

	v, found, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get がエラーを返した: %v", err)
	}
	if !found || v != "v" {
		t.Errorf("Get = (%q, %v), want (\"v\", true)", v, found)
	}
}

func TestRedisStore_Eval(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const script = `return redis.call("INCRBY", KEYS[1], ARGV[1])`

	res, err := s.Eval(ctx, script, []string{"counter"}, 2)
	if err != nil {
		t.Fatalf("Eval がエラーを返した: %v", err)
	}
	if res != int64(2) {
		t.Errorf("Eval = %v, want 2", res)
	}

	// 2回目はキャッシュ済みスクリプト（EVALSHA）で実行される
	res, err = s.Eval(ctx, script, []string{"counter"}, 3)
	if err != nil {
		t.Fatalf("Eval がエラーを返した: %v", err)
	}
	if res != int64(5) {
		t.Errorf("Eval = %v, want 5", res)
	}
}

func TestRedisStore_EvalNilResult(t *testing.T) {
	s, _ := newTestStore(t)

	res, err := s.Eval(context.Background(), `return nil`, nil)
	if err != nil {
		t.Fatalf("Eval がエラーを返した: %v", err)
	}
	if res != nil {
		t.Errorf("Eval = %v, want nil", res)
	}
}

func TestRedisStore_SetAndHashOperations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SAdd(ctx, "names", "alice", "bob"); err != nil {
		t.Fatalf("SAdd がエラーを返した: %v", err)
	}
	for name, want := range map[string]bool{"alice": true, "carol": false} {
		ok, err := s.SIsMember(ctx, "names", name)
		if err != nil {
			t.Fatalf("SIsMember がエラーを返した: %v", err)
		}
		if ok != want {
			t.Errorf("SIsMember(%q) = %v, want %v", name, ok, want)
		}
	}

	if err := s.HSet(ctx, "verdicts", "alice", "1"); err != nil {
		t.Fatalf("HSet がエラーを返した: %v", err)
	}
	v, found, err := s.HGet(ctx, "verdicts", "alice")
	if err != nil {
		t.Fatalf("HGet がエラーを返した: %v", err)
	}
	if !found || v != "1" {
		t.Errorf("HGet = (%q, %v), want (\"1\", true)", v, found)
	}

	if _, found, err := s.HGet(ctx, "verdicts", "carol"); err != nil || found {
		t.Errorf("存在しないフィールドの HGet = (found=%v, err=%v), want (false, nil)", found, err)
	}
}

func TestRedisStore_ErrorsWhenUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()
	ctx := context.Background()

	if _, _, err := s.Get(ctx, "k"); err == nil {
		t.Error("Redis停止中の Get でエラーにならなかった")
	}
	if err := s.Set(ctx, "k", "v", 0); err == nil {
		t.Error("Redis停止中の Set でエラーにならなかった")
	}
	if err := s.Ping(ctx); err == nil {
		t.Error("Redis停止中の Ping でエラーにならなかった")
	}
}

func TestOpen_InvalidURL(t *testing.T) {
	if _, err := Open("://not-a-url"); err == nil {
		t.Fatal("不正なURLでエラーにならなかった")
	}
}

func TestOpen_ValidURL(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := Open("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("Open がエラーを返した: %v", err)
	}
	defer s.Close()

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping がエラーを返した: %v", err)
	}
}
