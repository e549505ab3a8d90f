// Package dispatch はリクエストを上流サービスへ転送し、その応答を中継するディスパッチャを提供する。
package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/apigateway/internal/pipeline"
	"github.com/nao1215/apigateway/internal/route"
	"github.com/nao1215/apigateway/pkg/httpclient"
)

const (
	// StageName はパイプライン上のステージ名。
	StageName = "dispatch"
	// GatewayErrorHeader はゲートウェイ自身が生成した上流エラーに付与するヘッダー。
	GatewayErrorHeader = "X-Gateway-Error"
	// UserIDHeader は認証済み主体IDを上流へ伝えるヘッダー。
	UserIDHeader = "X-User-ID"
	// RequestIDHeader はリクエスト相関IDのヘッダー。
	RequestIDHeader = "X-Request-ID"

	// StatusClientClosed はクライアント切断を表すステータス。クライアントには届かない。
	StatusClientClosed = 499

	notFoundBody     = "Service not found"
	gatewayErrorBody = "Internal Gateway Error"
)

// hopByHop は転送してはならないホップ間ヘッダー。
var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Doer は上流へのリクエストを1回送信する。
type Doer interface {
	Do(req *http.Request) (*httpclient.Response, error)
}

// UpstreamObserver は上流呼び出しの結果を受け取る。
type UpstreamObserver interface {
	ObserveUpstream(route, code string, elapsed time.Duration)
}

// Dispatcher はルートを解決し、上流サービスへの転送と応答の中継を行う。
type Dispatcher struct {
	// routes はルートテーブル。
	routes *route.Table
	// client は上流呼び出しに使うクライアント。
	client Doer
	// observer は上流呼び出しの結果の通知先。
	observer UpstreamObserver
	// now は経過時間の計測に使う。
	now func() time.Time
}

// Option はDispatcherの設定を変更する。
type Option func(*Dispatcher)

// WithUpstreamObserver は上流呼び出しの結果の通知先を設定する。
func WithUpstreamObserver(o UpstreamObserver) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// New は新しいDispatcherを生成する。
func New(routes *route.Table, client Doer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		routes: routes,
		client: client,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name はステージ名を返す。
func (d *Dispatcher) Name() string { return StageName }

// Process はパイプラインの終端ステージとしてリクエストを転送する。
func (d *Dispatcher) Process(ctx context.Context, req *pipeline.Request) *pipeline.Response {
	return d.Forward(ctx, req)
}

// Forward はリクエストを上流へ1回だけ転送し、応答またはゲートウェイエラーを返す。
// 上流のエラーステータスは書き換えずにそのまま中継する。
func (d *Dispatcher) Forward(ctx context.Context, in *pipeline.Request) *pipeline.Response {
	entry, remainder, err := d.routes.Resolve(in.Path)
	if err != nil {
		return pipeline.Text(http.StatusNotFound, notFoundBody).WithError(&pipeline.Error{
			Kind:   pipeline.RouteNotFound,
			Status: http.StatusNotFound,
			Reason: "no_matching_prefix",
			Err:    err,
		})
	}

	out, err := d.newUpstreamRequest(ctx, entry.Target(remainder, in.RawQuery), in)
	if err != nil {
		return pipeline.Text(http.StatusInternalServerError, gatewayErrorBody).WithError(&pipeline.Error{
			Kind:   pipeline.Internal,
			Status: http.StatusInternalServerError,
			Reason: "build_upstream_request",
			Err:    err,
		})
	}

	start := d.now()
	resp, err := d.client.Do(out)
	elapsed := d.now().Sub(start)
	if err != nil {
		perr := classify(err)
		d.observeUpstream(entry.Prefix, perr.Kind.String(), elapsed)
		return failure(perr)
	}
	d.observeUpstream(entry.Prefix, strconv.Itoa(resp.StatusCode), elapsed)

	header := make(http.Header, len(resp.Header))
	copyEndToEnd(header, resp.Header)
	header.Del("Content-Length")

	return &pipeline.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   resp.Body,
	}
}

// newUpstreamRequest は転送用のリクエストを組み立てる。
func (d *Dispatcher) newUpstreamRequest(ctx context.Context, target string, in *pipeline.Request) (*http.Request, error) {
	body := in.Body
	if body == nil || in.ContentLength == 0 {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, in.Method, target, body)
	if err != nil {
		return nil, err
	}
	if in.ContentLength > 0 {
		out.ContentLength = in.ContentLength
	}

	copyEndToEnd(out.Header, in.Header)
	out.Header.Del("Host")

	// 外部から渡されたX-User-IDは信用しない
	out.Header.Del(UserIDHeader)
	if sub := in.Subject(); sub != "" {
		out.Header.Set(UserIDHeader, sub)
	}

	if in.ClientAddr != "" {
		if prior := in.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			out.Header.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+in.ClientAddr)
		} else {
			out.Header.Set("X-Forwarded-For", in.ClientAddr)
		}
	}
	if in.Scheme != "" {
		out.Header.Set("X-Forwarded-Proto", in.Scheme)
	}
	if in.RequestID != "" {
		out.Header.Set(RequestIDHeader, in.RequestID)
	}
	return out, nil
}

func (d *Dispatcher) observeUpstream(prefix, code string, elapsed time.Duration) {
	if d.observer != nil {
		d.observer.ObserveUpstream(prefix, code, elapsed)
	}
}

// classify は上流呼び出しのエラーをゲートウェイエラーに変換する。
func classify(err error) *pipeline.Error {
	reason := "transport_error"
	var te *httpclient.TransportError
	if errors.As(err, &te) {
		reason = te.Reason
	}

	switch {
	case errors.Is(err, httpclient.ErrCanceled):
		return &pipeline.Error{Kind: pipeline.ClientClosed, Status: StatusClientClosed, Reason: reason, Err: err}
	case errors.Is(err, httpclient.ErrTimeout):
		return &pipeline.Error{Kind: pipeline.UpstreamTimeout, Status: http.StatusGatewayTimeout, Reason: reason, Err: err}
	default:
		return &pipeline.Error{Kind: pipeline.UpstreamUnreachable, Status: http.StatusBadGateway, Reason: reason, Err: err}
	}
}

// failure はゲートウェイエラーのレスポンスを生成する。
func failure(perr *pipeline.Error) *pipeline.Response {
	if perr.Kind == pipeline.ClientClosed {
		return pipeline.Empty(perr.Status).WithError(perr)
	}
	resp := pipeline.Text(perr.Status, gatewayErrorBody)
	resp.Header.Set(GatewayErrorHeader, perr.Kind.String())
	return resp.WithError(perr)
}

// copyEndToEnd はホップ間ヘッダーを除いたヘッダーをコピーする。
func copyEndToEnd(dst, src http.Header) {
	drop := make(map[string]struct{}, len(hopByHop))
	for _, h := range hopByHop {
		drop[h] = struct{}{}
	}
	for _, v := range src.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = textproto.TrimString(f); f != "" {
				drop[textproto.CanonicalMIMEHeaderKey(f)] = struct{}{}
			}
		}
	}

	for k, vv := range src {
		if _, skip := drop[textproto.CanonicalMIMEHeaderKey(k)]; skip {
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
}
