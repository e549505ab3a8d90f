package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout は上流呼び出し1回あたりのデフォルトのタイムアウト。
	DefaultTimeout = 30 * time.Second
	// DefaultMaxBodySize は読み込む上流レスポンスボディのデフォルトの上限（バイト）。
	DefaultMaxBodySize int64 = 10 << 20
)

// Propagator はゲートウェイが扱うW3C Trace ContextとBaggageのプロパゲータ。
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

var (
	// ErrTimeout は上流サービスが時間内に応答しなかったことを表す。
	ErrTimeout = errors.New("上流サービスの応答がタイムアウトしました")
	// ErrUnreachable は上流サービスに接続できなかったことを表す。
	ErrUnreachable = errors.New("上流サービスに接続できません")
	// ErrCanceled は応答を待つ間にクライアントが切断したことを表す。
	ErrCanceled = errors.New("クライアントがリクエストを中断しました")
	// ErrTooLarge は上流のレスポンスボディが上限を超えたことを表す。
	ErrTooLarge = errors.New("上流サービスのレスポンスが大きすぎます")
)

// TransportError は上流サービスとの通信で発生したエラー。
type TransportError struct {
	// URL は転送先のURL。
	URL string
	// Kind は ErrTimeout, ErrUnreachable, ErrCanceled, ErrTooLarge のいずれか。
	Kind error
	// Reason はログ用の短い理由。
	Reason string
	// Err は元のエラー。
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s (%s): %v", e.URL, e.Kind, e.Reason, e.Err)
}

// Unwrap はKindと元のエラーの両方を返す。
func (e *TransportError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Response は上流サービスの応答。ボディは読み取り済み。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client は上流サービス用のHTTPクライアント。リトライは行わない。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// timeout はリクエスト1回あたりのタイムアウト。
	timeout time.Duration
	// maxBodySize は読み込むレスポンスボディの上限。
	maxBodySize int64
}

// config はNewの任意設定。
type config struct {
	transport      http.RoundTripper
	tracerProvider trace.TracerProvider
	maxBodySize    int64
}

// Option はClientの設定を変更する。
type Option func(*config)

// WithTransport はトランスポートを差し替える。計装は差し替えたトランスポートにも適用される。
func WithTransport(rt http.RoundTripper) Option {
	return func(c *config) { c.transport = rt }
}

// WithTracerProvider はスパンの生成に使うTracerProviderを設定する。
// 未設定の場合はグローバルのTracerProviderを使う。
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.tracerProvider = tp }
}

// WithMaxBodySize はレスポンスボディの上限を設定する。0以下の場合は DefaultMaxBodySize を使用する。
func WithMaxBodySize(n int64) Option {
	return func(c *config) { c.maxBodySize = n }
}

// New は新しいClientを生成する。timeoutが0以下の場合は DefaultTimeout を使用する。
func New(timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.transport == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.ResponseHeaderTimeout = timeout
		cfg.transport = base
	}
	if cfg.maxBodySize <= 0 {
		cfg.maxBodySize = DefaultMaxBodySize
	}

	otelOpts := []otelhttp.Option{otelhttp.WithPropagators(Propagator())}
	if cfg.tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(cfg.tracerProvider))
	}

	return &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(cfg.transport, otelOpts...),
			// リダイレクトはそのままクライアントへ返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:     timeout,
		maxBodySize: cfg.maxBodySize,
	}
}

// Timeout はリクエスト1回あたりのタイムアウトを返す。
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// MaxBodySize はレスポンスボディの上限を返す。
func (c *Client) MaxBodySize() int64 {
	return c.maxBodySize
}

// Do はリクエストを1回だけ送信し、応答ボディを読み切って返す。
// reqのコンテキストがキャンセルされると上流への呼び出しも中断される。
func (c *Client) Do(req *http.Request) (*Response, error) {
	parent := req.Context()
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	url := req.URL.String()
	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, classify(parent, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, classify(parent, url, err)
	}
	if int64(len(body)) > c.maxBodySize {
		return nil, &TransportError{
			URL:    url,
			Kind:   ErrTooLarge,
			Reason: "response_too_large",
			Err:    fmt.Errorf("%d バイトを超えました", c.maxBodySize),
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// classify は通信エラーを分類する。
func classify(parent context.Context, url string, err error) error {
	te := &TransportError{URL: url, Err: err}

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case parent.Err() != nil:
		te.Kind, te.Reason = ErrCanceled, "client_closed"
	case errors.Is(err, context.DeadlineExceeded):
		te.Kind, te.Reason = ErrTimeout, "deadline_exceeded"
	case errors.As(err, &dnsErr):
		te.Kind, te.Reason = ErrUnreachable, "dns_lookup_failed"
		if dnsErr.IsTimeout {
			te.Kind, te.Reason = ErrTimeout, "dns_timeout"
		}
	case errors.Is(err, syscall.ECONNREFUSED):
		te.Kind, te.Reason = ErrUnreachable, "connection_refused"
	case errors.As(err, &netErr) && netErr.Timeout():
		te.Kind, te.Reason = ErrTimeout, "network_timeout"
	default:
		te.Kind, te.Reason = ErrUnreachable, "transport_error"
	}
	return te
}
