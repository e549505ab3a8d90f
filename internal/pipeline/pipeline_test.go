package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingObserver は通知されたステージ結果を保持する。
type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) Observe(stage, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, stage+":"+outcome)
}

// passStage は呼び出し順を記録して次へ進むステージを返す。
func passStage(name string, calls *[]string) Stage {
	return StageFunc{StageName: name, Fn: func(context.Context, *Request) *Response {
		*calls = append(*calls, name)
		return nil
	}}
}

func TestPipelineRun(t *testing.T) {
	t.Parallel()

	t.Run("ステージが定義順に実行され終端レスポンスが返ること", func(t *testing.T) {
		t.Parallel()

		var calls []string
		obs := &recordingObserver{}
		p := New(slog.New(slog.DiscardHandler), []Stage{
			passStage("a", &calls),
			passStage("b", &calls),
			StageFunc{StageName: "c", Fn: func(context.Context, *Request) *Response {
				calls = append(calls, "c")
				return Text(http.StatusOK, "done")
			}},
			passStage("never", &calls),
		}, WithObserver(obs))

		resp := p.Run(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})
		require.NotNil(t, resp)
		assert.Equal(t, []string{"a", "b", "c"}, calls)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "done", string(resp.Body))
		assert.Equal(t, []string{"a:pass", "b:pass", "c:terminal"}, obs.events)
	})

	t.Run("拒否したステージより後ろは実行されず記録されること", func(t *testing.T) {
		t.Parallel()

		var calls []string
		var logs bytes.Buffer
		obs := &recordingObserver{}
		p := New(slog.New(slog.NewJSONHandler(&logs, nil)), []Stage{
			passStage("cors", &calls),
			StageFunc{StageName: "auth", Fn: func(context.Context, *Request) *Response {
				return JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"}).WithError(&Error{
					Kind:   Unauthorized,
					Status: http.StatusUnauthorized,
					Reason: "missing_credential",
				})
			}},
			passStage("dispatch", &calls),
		}, WithObserver(obs))

		resp := p.Run(context.Background(), &Request{
			Method:     http.MethodGet,
			Path:       "/user/me",
			ClientAddr: "192.0.2.1",
			RequestID:  "req-1",
		})
		assert.Equal(t, []string{"cors"}, calls)
		assert.Equal(t, http.StatusUnauthorized, resp.Status)
		require.NotNil(t, resp.Err)
		assert.Equal(t, "auth", resp.Err.Stage)
		assert.Equal(t, []string{"cors:pass", "auth:unauthorized"}, obs.events)

		var line map[string]any
		require.NoError(t, json.Unmarshal(logs.Bytes(), &line))
		assert.Equal(t, "request rejected", line["msg"])
		assert.Equal(t, "WARN", line["level"])
		assert.Equal(t, "192.0.2.1", line["client"])
		assert.Equal(t, "/user/me", line["path"])
		assert.Equal(t, "auth", line["stage"])
		assert.Equal(t, "missing_credential", line["reason"])
		assert.Equal(t, "req-1", line["request_id"])
	})

	t.Run("ステージが付与したヘッダーが最終レスポンスに合成されること", func(t *testing.T) {
		t.Parallel()

		p := New(nil, []Stage{
			StageFunc{StageName: "limit", Fn: func(_ context.Context, req *Request) *Response {
				req.ResponseHeader.Set("X-RateLimit-Limit", "200")
				return nil
			}},
			StageFunc{StageName: "dispatch", Fn: func(context.Context, *Request) *Response {
				return Empty(http.StatusNoContent)
			}},
		})

		resp := p.Run(context.Background(), &Request{})
		assert.Equal(t, "200", resp.Header.Get("X-RateLimit-Limit"))
	})

	t.Run("Varyは終端レスポンスの値に重複なく追加されること", func(t *testing.T) {
		t.Parallel()

		p := New(nil, []Stage{
			StageFunc{StageName: "cors", Fn: func(_ context.Context, req *Request) *Response {
				req.ResponseHeader.Add("Vary", "Origin")
				return nil
			}},
			StageFunc{StageName: "dispatch", Fn: func(context.Context, *Request) *Response {
				resp := Text(http.StatusOK, "ok")
				resp.Header["Vary"] = []string{"Accept-Encoding", "origin"}
				return resp
			}},
		})

		resp := p.Run(context.Background(), &Request{})
		assert.Equal(t, []string{"Accept-Encoding, origin"}, resp.Header.Values("Vary"))
	})

	t.Run("上流がVaryを返さない場合はステージのVaryが使われること", func(t *testing.T) {
		t.Parallel()

		p := New(nil, []Stage{
			StageFunc{StageName: "cors", Fn: func(_ context.Context, req *Request) *Response {
				req.ResponseHeader.Add("Vary", "Origin")
				return nil
			}},
			StageFunc{StageName: "dispatch", Fn: func(context.Context, *Request) *Response {
				return Text(http.StatusOK, "ok")
			}},
		})

		resp := p.Run(context.Background(), &Request{})
		assert.Equal(t, "Origin", resp.Header.Get("Vary"))
	})

	t.Run("終端ステージがなければ500になること", func(t *testing.T) {
		t.Parallel()

		var calls []string
		p := New(slog.New(slog.DiscardHandler), []Stage{passStage("a", &calls)})

		resp := p.Run(context.Background(), &Request{})
		assert.Equal(t, http.StatusInternalServerError, resp.Status)
		require.NotNil(t, resp.Err)
		assert.Equal(t, Internal, resp.Err.Kind)
		assert.Equal(t, "driver", resp.Err.Stage)
	})

	t.Run("Statusが未設定の場合はエラーのStatusが使われること", func(t *testing.T) {
		t.Parallel()

		p := New(slog.New(slog.DiscardHandler), []Stage{
			StageFunc{StageName: "dispatch", Fn: func(context.Context, *Request) *Response {
				return (&Response{Body: []byte("x")}).WithError(&Error{Kind: UpstreamTimeout, Status: http.StatusGatewayTimeout})
			}},
		})

		resp := p.Run(context.Background(), &Request{})
		assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
		assert.NotNil(t, resp.Header)
	})
}

func TestPipelineStages(t *testing.T) {
	t.Parallel()

	var calls []string
	p := New(nil, []Stage{passStage("cors", &calls), passStage("ratelimit", &calls)})
	assert.Equal(t, []string{"cors", "ratelimit"}, p.Stages())
}

func TestError(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: connection refused")
	err := &Error{Kind: UpstreamUnreachable, Reason: "connection_refused", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "upstream_unreachable: connection_refused: dial tcp: connection refused", err.Error())
	assert.Equal(t, "rate_limit_exceeded", RateLimitExceeded.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}

func TestRequest(t *testing.T) {
	t.Parallel()

	req := &Request{Path: "/review/1", RawQuery: "page=2"}
	assert.Equal(t, "/review/1?page=2", req.OriginalURL())
	assert.Equal(t, "", req.Subject())

	req.RawQuery = ""
	assert.Equal(t, "/review/1", req.OriginalURL())
}
