package pipeline

import (
	"fmt"
	"log/slog"
)

// Kind はゲートウェイエラーの種別。
type Kind int

const (
	// Internal はゲートウェイ内部の予期しないエラー。
	Internal Kind = iota
	// AdmissionRejected は許可されていないオリジンからのリクエスト。
	AdmissionRejected
	// RateLimitExceeded はレート制限を超えたリクエスト。
	RateLimitExceeded
	// Unauthorized は認証情報が欠落・不正・期限切れのリクエスト。
	Unauthorized
	// RouteNotFound はどのプレフィックスにも一致しないリクエスト。
	RouteNotFound
	// UpstreamUnreachable は上流サービスに接続できなかったことを表す。
	UpstreamUnreachable
	// UpstreamTimeout は上流サービスが時間内に応答しなかったことを表す。
	UpstreamTimeout
	// ClientClosed は上流の応答前にクライアントが切断したことを表す。
	ClientClosed
)

var kindNames = map[Kind]string{
	Internal:            "internal",
	AdmissionRejected:   "admission_rejected",
	RateLimitExceeded:   "rate_limit_exceeded",
	Unauthorized:        "unauthorized",
	RouteNotFound:       "route_not_found",
	UpstreamUnreachable: "upstream_unreachable",
	UpstreamTimeout:     "upstream_timeout",
	ClientClosed:        "client_closed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// level はこの種別の拒否を記録するログレベル。
func (k Kind) level() slog.Level {
	switch k {
	case Internal, UpstreamUnreachable, UpstreamTimeout:
		return slog.LevelError
	case ClientClosed:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// Error はパイプラインを終了させたゲートウェイエラー。
// 終端エラーはちょうど1つのステージが生成する。
type Error struct {
	// Kind はエラー種別。
	Kind Kind
	// Stage はエラーを生成したステージ名。未設定の場合はドライバが補完する。
	Stage string
	// Status はクライアントへ返すHTTPステータス。
	Status int
	// Reason はログ用の短い理由。認証情報は含めない。
	Reason string
	// Err は元のエラー。
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}
