package accesslog

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Anonymous は認証情報を持たないリクエストのユーザー欄に記録する値。
const Anonymous = "guest"

// Request はアクセスログに記録するリクエスト情報。
type Request struct {
	// ClientAddr はクライアントのアドレス。
	ClientAddr string
	// Subject は認証済みユーザーの識別子。未認証の場合は空。
	Subject string
	// Method はHTTPメソッド。
	Method string
	// Path はクエリ文字列を含む元のリクエストパス。
	Path string
	// UserAgent はUser-Agentヘッダーの値。
	UserAgent string
	// RequestID はリクエストID。
	RequestID string
}

// Recorder はアクセスログを書き込む。
type Recorder struct {
	logger *slog.Logger
	parser Parser
}

// NewRecorder は新しいRecorderを生成する。wがnilの場合は標準出力に書き込む。
func NewRecorder(w io.Writer, parser Parser) *Recorder {
	if w == nil {
		w = os.Stdout
	}
	if parser == nil {
		parser = ParserFunc(func(string) Agent { return UnknownAgent() })
	}
	return &Recorder{
		logger: slog.New(slog.NewJSONHandler(w, nil)).With(slog.String("log.type", "access")),
		parser: parser,
	}
}

// Record はリクエストを1行記録し、導出したAgentを返す。
// 記録の失敗がリクエスト処理を止めることはない。
func (r *Recorder) Record(ctx context.Context, req Request) Agent {
	agent := r.parse(req.UserAgent)

	user := req.Subject
	if user == "" {
		user = Anonymous
	}

	r.logger.LogAttrs(ctx, slog.LevelInfo, "access",
		slog.String("client.address", req.ClientAddr),
		slog.String("user", user),
		slog.String("http.method", req.Method),
		slog.String("url.original", req.Path),
		slog.String("os", agent.OS()),
		slog.String("browser", agent.Browser()),
		slog.String("device", agent.Device()),
		slog.String("request.id", req.RequestID),
	)
	return agent
}

// parse はParserのパニックからも保護してAgentを求める。
func (r *Recorder) parse(raw string) (agent Agent) {
	defer func() {
		if rec := recover(); rec != nil {
			agent = UnknownAgent()
		}
	}()

	agent = r.parser.Parse(raw)
	fill(&agent)
	return agent
}

// fill は空の項目をUnknownで埋める。
func fill(a *Agent) {
	for _, f := range []*string{&a.OSName, &a.OSVersion, &a.BrowserName, &a.BrowserVersion, &a.DeviceVendor, &a.DeviceModel} {
		*f = orUnknown(*f)
	}
}
