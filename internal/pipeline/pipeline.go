package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// Stage はパイプラインの1段階。
type Stage interface {
	// Name はログとメトリクスに使うステージ名を返す。
	Name() string
	// Process はリクエストを処理する。nilを返すと次のステージへ進み、
	// 非nilを返すとそのレスポンスでパイプラインを終了する。
	Process(ctx context.Context, req *Request) *Response
}

// StageFunc は関数をStageとして扱うためのアダプタ。
type StageFunc struct {
	// StageName はステージ名。
	StageName string
	// Fn は処理本体。
	Fn func(ctx context.Context, req *Request) *Response
}

// Name はステージ名を返す。
func (s StageFunc) Name() string { return s.StageName }

// Process はFnを呼び出す。
func (s StageFunc) Process(ctx context.Context, req *Request) *Response { return s.Fn(ctx, req) }

// Observer はステージごとの結果を受け取る。
type Observer interface {
	Observe(stage, outcome string)
}

// Outcome はステージがエラー以外で終了したときの結果名。
const (
	OutcomePass     = "pass"
	OutcomeTerminal = "terminal"
)

// Pipeline はステージを定義順に実行する固定ドライバ。
type Pipeline struct {
	// logger は拒否の記録に使うロガー。
	logger *slog.Logger
	// stages は実行順のステージ。
	stages []Stage
	// observer はステージ結果の通知先。nilの場合は通知しない。
	observer Observer
}

// Option はPipelineの設定を変更する。
type Option func(*Pipeline)

// WithObserver はステージ結果の通知先を設定する。
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// New は新しいPipelineを生成する。
func New(logger *slog.Logger, stages []Stage, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		logger: logger,
		stages: append([]Stage(nil), stages...),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stages はステージ名を実行順に返す。
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, st := range p.stages {
		names[i] = st.Name()
	}
	return names
}

// Run はリクエストを各ステージに順番に通し、最初に得られた終端レスポンスを返す。
// 戻り値は常に非nil。
func (p *Pipeline) Run(ctx context.Context, req *Request) *Response {
	if req.ResponseHeader == nil {
		req.ResponseHeader = make(http.Header)
	}

	for _, st := range p.stages {
		resp := st.Process(ctx, req)
		if resp == nil {
			p.observe(st.Name(), OutcomePass)
			continue
		}
		return p.finish(ctx, st.Name(), req, resp)
	}

	// 終端ステージがない構成は設定ミス
	resp := Text(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)).WithError(&Error{
		Kind:   Internal,
		Status: http.StatusInternalServerError,
		Reason: "no_terminal_stage",
	})
	return p.finish(ctx, "driver", req, resp)
}

// finish はレスポンスにステージのヘッダーを合成し、拒否を記録する。
func (p *Pipeline) finish(ctx context.Context, stage string, req *Request, resp *Response) *Response {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	for k, v := range req.ResponseHeader {
		if http.CanonicalHeaderKey(k) == "Vary" {
			resp.Header.Set("Vary", mergeTokens(resp.Header.Values("Vary"), v))
			continue
		}
		resp.Header[k] = v
	}

	if resp.Err == nil {
		p.observe(stage, OutcomeTerminal)
		return resp
	}

	if resp.Err.Stage == "" {
		resp.Err.Stage = stage
	}
	if resp.Status == 0 {
		resp.Status = resp.Err.Status
	}

	attrs := []slog.Attr{
		slog.String("client", req.ClientAddr),
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.String("stage", resp.Err.Stage),
		slog.String("kind", resp.Err.Kind.String()),
		slog.String("reason", resp.Err.Reason),
		slog.Int("status", resp.Status),
	}
	if req.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", req.RequestID))
	}
	if resp.Err.Err != nil {
		attrs = append(attrs, slog.String("error", resp.Err.Err.Error()))
	}
	p.logger.LogAttrs(ctx, resp.Err.Kind.level(), "request rejected", attrs...)
	p.observe(resp.Err.Stage, resp.Err.Kind.String())
	return resp
}

func (p *Pipeline) observe(stage, outcome string) {
	if p.observer != nil {
		p.observer.Observe(stage, outcome)
	}
}

// mergeTokens はカンマ区切りのヘッダー値を大文字小文字を区別せずに重複なく連結する。
func mergeTokens(lists ...[]string) string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, v := range list {
			for _, tok := range strings.Split(v, ",") {
				tok = strings.TrimSpace(tok)
				if tok == "" {
					continue
				}
				key := strings.ToLower(tok)
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				out = append(out, tok)
			}
		}
	}
	return strings.Join(out, ", ")
}
