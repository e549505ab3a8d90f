package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// fakeClock はテストから進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestNew はデフォルト値の補完を検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil, nil)
	assert.Equal(t, DefaultWindow, l.Config().Window)
	assert.Equal(t, int64(DefaultMax), l.Config().Max)
}

// TestAdmit はウィンドウ内の上限とリセットを検証する。
func TestAdmit(t *testing.T) {
	t.Parallel()

	t.Run("上限までは許可され、超えた後は拒否されること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		l := New(Config{Window: time.Minute, Max: 3}, NewMemoryStore(), clock)
		ctx := context.Background()

		for i := int64(1); i <= 3; i++ {
			d, err := l.Admit(ctx, "192.0.2.1")
			require.NoError(t, err)
			assert.True(t, d.Allowed, "リクエスト%dは許可されるべき", i)
			assert.Equal(t, 3-i, d.Remaining)
		}
		for i := 0; i < 5; i++ {
			d, err := l.Admit(ctx, "192.0.2.1")
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Zero(t, d.Remaining)
		}
	})

	t.Run("ウィンドウ経過後の最初のリクエストは許可されること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		l := New(Config{Window: time.Minute, Max: 1}, NewMemoryStore(), clock)
		ctx := context.Background()

		d, err := l.Admit(ctx, "client")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, clock.Now().Add(time.Minute), d.ResetAt)

		clock.Advance(59 * time.Second)
		d, err = l.Admit(ctx, "client")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, time.Second, d.RetryAfter(clock.Now()))

		clock.Advance(time.Second)
		d, err = l.Admit(ctx, "client")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("クライアントごとに独立して数えること", func(t *testing.T) {
		t.Parallel()

		l := New(Config{Window: time.Minute, Max: 1}, NewMemoryStore(), newFakeClock())
		ctx := context.Background()

		d, err := l.Admit(ctx, "a")
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		d, err = l.Admit(ctx, "b")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("空のキーはエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := New(Config{}, nil, nil).Admit(context.Background(), "")
		assert.Error(t, err)
	})
}

// TestAdmitConcurrent は同一キーへの並行呼び出しで更新が失われないことを検証する。
func TestAdmitConcurrent(t *testing.T) {
	t.Parallel()

	const workers = 50
	const perWorker = 20

	store := NewMemoryStore()
	l := New(Config{Window: time.Hour, Max: workers * perWorker}, store, newFakeClock())

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				d, err := l.Admit(context.Background(), "shared")
				if err == nil && d.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, allowed)

	d, err := l.Admit(context.Background(), "shared")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "上限ちょうどの後の1件は拒否されるべき")
}

// TestAdmitProperties は上限超過後の拒否と次ウィンドウでの復帰を性質として検証する。
func TestAdmitProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.Int64Range(1, 50).Draw(t, "max")
		extra := rapid.IntRange(1, 30).Draw(t, "extra")
		window := time.Duration(rapid.Int64Range(1, 3600).Draw(t, "windowSeconds")) * time.Second

		clock := newFakeClock()
		l := New(Config{Window: window, Max: limit}, NewMemoryStore(), clock)
		ctx := context.Background()

		for i := int64(0); i < limit; i++ {
			d, err := l.Admit(ctx, "key")
			if err != nil || !d.Allowed {
				t.Fatalf("%d件目が拒否された: %+v, %v", i+1, d, err)
			}
		}
		for i := 0; i < extra; i++ {
			clock.Advance(window / time.Duration(extra+1))
			d, err := l.Admit(ctx, "key")
			if err != nil || d.Allowed {
				t.Fatalf("上限超過後のリクエストが許可された: %+v, %v", d, err)
			}
		}

		clock.Advance(window)
		d, err := l.Admit(ctx, "key")
		if err != nil || !d.Allowed {
			t.Fatalf("次のウィンドウの最初のリクエストが拒否された: %+v, %v", d, err)
		}
	})
}

// TestMemoryStorePrune は期限切れカウンタの掃除を検証する。
func TestMemoryStorePrune(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for i := 0; i <= pruneThreshold; i++ {
		_, err := store.Increment(ctx, time.Duration(i).String(), start, time.Minute)
		require.NoError(t, err)
	}
	require.Equal(t, pruneThreshold+1, store.Len())

	_, err := store.Increment(ctx, "late", start.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}
