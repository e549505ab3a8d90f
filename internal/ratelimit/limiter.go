// Package ratelimit はクライアント単位の固定ウィンドウ方式のレート制限を提供する。
//
// カウンタの保存先は Store として差し替え可能で、単一プロセス用のメモリ実装と
// 複数レプリカで共有するためのRedis実装を持つ。時刻は Clock から取得するため、
// テストでは固定の時計を注入できる。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultWindow はウィンドウ長のデフォルト値。
	DefaultWindow = time.Hour
	// DefaultMax はウィンドウあたりの最大リクエスト数のデフォルト値。
	DefaultMax = 200
)

// Clock は現在時刻を返す。
type Clock interface {
	Now() time.Time
}

// ClockFunc は関数をClockとして扱うためのアダプタ。
type ClockFunc func() time.Time

// Now は現在時刻を返す。
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock はシステム時計。
var SystemClock Clock = ClockFunc(time.Now)

// Window はクライアント1件分のカウンタを表す。
type Window struct {
	// Start はウィンドウの開始時刻。
	Start time.Time
	// Count はウィンドウ内で受け付けたリクエスト数。
	Count int64
}

// Store はクライアントごとのカウンタを保持する。
// 同一キーに対する並行呼び出しで更新が失われてはならない。
type Store interface {
	// Increment はキーのカウンタを1つ進め、更新後のウィンドウを返す。
	// 現在のウィンドウが経過している場合は新しいウィンドウでカウント1から始める。
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Window, error)
}

// Config はレート制限の設定。
type Config struct {
	// Window はカウンタをリセットする間隔。
	Window time.Duration
	// Max はウィンドウあたりに許可するリクエスト数。
	Max int64
}

// Decision は判定結果。
type Decision struct {
	// Allowed はリクエストを受け付ける場合にtrue。
	Allowed bool
	// Limit はウィンドウあたりの上限。
	Limit int64
	// Remaining はウィンドウ内で残っているリクエスト数。
	Remaining int64
	// ResetAt は現在のウィンドウが終わる時刻。
	ResetAt time.Time
}

// RetryAfter は次のウィンドウが始まるまでの待ち時間を返す。
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Limiter はクライアントキー単位でリクエスト数を数え、上限を超えたものを拒否する。
type Limiter struct {
	cfg   Config
	store Store
	clock Clock
}

// New は新しいLimiterを生成する。
// storeがnilの場合はメモリ実装を、clockがnilの場合はシステム時計を使用する。
func New(cfg Config, store Store, clock Clock) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMax
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Limiter{cfg: cfg, store: store, clock: clock}
}

// Config は適用中の設定を返す。
func (l *Limiter) Config() Config {
	return l.cfg
}

// Now はLimiterの時計で現在時刻を返す。
func (l *Limiter) Now() time.Time {
	return l.clock.Now()
}

// Admit はクライアントキーのリクエストを受け付けるかどうかを判定する。
// 上限を超えた後も同じウィンドウ内では常に拒否される。
func (l *Limiter) Admit(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{}, errors.New("クライアントキーが空です")
	}

	now := l.clock.Now()
	w, err := l.store.Increment(ctx, key, now, l.cfg.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("カウンタの更新に失敗: %w", err)
	}

	remaining := l.cfg.Max - w.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.Count <= l.cfg.Max,
		Limit:     l.cfg.Max,
		Remaining: remaining,
		ResetAt:   w.Start.Add(l.cfg.Window),
	}, nil
}
