package pipeline

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/nao1215/apigateway/internal/accesslog"
	"github.com/nao1215/apigateway/internal/auth"
)

// Request はパイプラインを流れる1リクエスト分のコンテキスト。
// パイプラインの入口で生成され、レスポンス送信後に破棄される。
type Request struct {
	// Method はHTTPメソッド。
	Method string
	// Path はエスケープ済みの元のリクエストパス。
	Path string
	// RawQuery はクエリ文字列（?を含まない）。
	RawQuery string
	// Scheme はクライアントが使用したスキーム（http または https）。
	Scheme string
	// Header はリクエストヘッダー。
	Header http.Header
	// Body はリクエストボディ。上流へそのままストリームされる。
	Body io.Reader
	// ContentLength はボディの長さ。不明な場合は-1。
	ContentLength int64
	// ClientAddr はクライアントのネットワークアドレス。
	ClientAddr string
	// RequestID はリクエストの相関ID。
	RequestID string
	// Identity は認証済みの場合のみ設定される。
	Identity *auth.Identity
	// Agent はアクセスログ記録時に解析されたクライアント情報。
	Agent *accesslog.Agent
	// ResponseHeader はステージが最終レスポンスに付与するヘッダー。
	ResponseHeader http.Header
}

// OriginalURL はパスとクエリを結合した元のURLを返す。
func (r *Request) OriginalURL() string {
	if r.RawQuery == "" {
		return r.Path
	}
	return r.Path + "?" + r.RawQuery
}

// Subject は認証済みの主体IDを返す。未認証の場合は空文字列。
func (r *Request) Subject() string {
	if r.Identity == nil {
		return ""
	}
	return r.Identity.Subject
}

// Response はステージが返す終端レスポンス。
type Response struct {
	// Status はHTTPステータスコード。
	Status int
	// Header はレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ。
	Body []byte
	// Err はゲートウェイが拒否または失敗した場合に設定される。
	Err *Error
}

// WithError はレスポンスにゲートウェイエラーを関連付ける。
func (r *Response) WithError(err *Error) *Response {
	r.Err = err
	return r
}

// Text はプレーンテキストのレスポンスを生成する。
func Text(status int, body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{Status: status, Header: h, Body: []byte(body)}
}

// JSON はJSONレスポンスを生成する。
func JSON(status int, v any) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		return Text(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json; charset=utf-8")
	return &Response{Status: status, Header: h, Body: body}
}

// Empty はボディを持たないレスポンスを生成する。
func Empty(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}
