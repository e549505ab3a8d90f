package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/nao1215/apigateway/internal/accesslog"
	"github.com/nao1215/apigateway/internal/auth"
	"github.com/nao1215/apigateway/internal/pipeline"
	"github.com/nao1215/apigateway/internal/ratelimit"
	"github.com/nao1215/apigateway/pkg/middleware"
)

// ステージ名。
const (
	stageCORS      = "cors"
	stageRateLimit = "ratelimit"
	stageAuth      = "auth"
	stageAccessLog = "accesslog"
	stageHealth    = "health"
)

const (
	healthBody    = "API Gateway is healthy"
	rateLimitBody = "Too many requests from this IP, please try again later."
)

// corsStage は許可されていないオリジンからのリクエストを拒否する。
type corsStage struct {
	policy *middleware.CORSPolicy
}

func (s *corsStage) Name() string { return stageCORS }

func (s *corsStage) Process(_ context.Context, req *pipeline.Request) *pipeline.Response {
	origin := req.Header.Get("Origin")
	if !s.policy.Allowed(origin) {
		return pipeline.JSON(http.StatusForbidden, map[string]string{"error": "Not allowed by CORS"}).WithError(&pipeline.Error{
			Kind:   pipeline.AdmissionRejected,
			Status: http.StatusForbidden,
			Reason: "origin_not_allowed",
		})
	}

	s.policy.Apply(req.ResponseHeader, origin)
	if middleware.IsPreflight(req.Method, req.Header) {
		return pipeline.Empty(http.StatusNoContent)
	}
	return nil
}

// rateLimitStage はクライアントアドレスごとのリクエスト数を制限する。
type rateLimitStage struct {
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

func (s *rateLimitStage) Name() string { return stageRateLimit }

func (s *rateLimitStage) Process(ctx context.Context, req *pipeline.Request) *pipeline.Response {
	d, err := s.limiter.Admit(ctx, req.ClientAddr)
	if err != nil {
		// カウンタを更新できない場合は受け付ける
		s.logger.WarnContext(ctx, "rate limiter unavailable",
			slog.String("client", req.ClientAddr),
			slog.String("error", err.Error()),
		)
		return nil
	}

	h := req.ResponseHeader
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if d.Allowed {
		return nil
	}

	retry := int64(math.Ceil(d.RetryAfter(s.limiter.Now()).Seconds()))
	resp := pipeline.Text(http.StatusTooManyRequests, rateLimitBody)
	resp.Header.Set("Retry-After", strconv.FormatInt(retry, 10))
	return resp.WithError(&pipeline.Error{
		Kind:   pipeline.RateLimitExceeded,
		Status: http.StatusTooManyRequests,
		Reason: "limit_exceeded",
	})
}

// authStage は許可リスト外のパスでBearerトークンを検証する。
type authStage struct {
	gate *auth.Gate
}

func (s *authStage) Name() string { return stageAuth }

func (s *authStage) Process(_ context.Context, req *pipeline.Request) *pipeline.Response {
	identity, err := s.gate.Authenticate(req.Path, req.Header.Get("Authorization"))
	if err != nil {
		// 失敗の原因はクライアントに区別させない
		resp := pipeline.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		resp.Header.Set("WWW-Authenticate", "Bearer")
		return resp.WithError(&pipeline.Error{
			Kind:   pipeline.Unauthorized,
			Status: http.StatusUnauthorized,
			Reason: authReason(err),
			Err:    err,
		})
	}
	req.Identity = identity
	return nil
}

// authReason は認証エラーをログ用の理由に変換する。
func authReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, auth.ErrMalformedCredential):
		return "malformed_credential"
	default:
		return "invalid_credential"
	}
}

// accessLogStage はリクエストを1行記録する。制御フローは変えない。
type accessLogStage struct {
	recorder *accesslog.Recorder
}

func (s *accessLogStage) Name() string { return stageAccessLog }

func (s *accessLogStage) Process(ctx context.Context, req *pipeline.Request) *pipeline.Response {
	agent := s.recorder.Record(ctx, accesslog.Request{
		ClientAddr: req.ClientAddr,
		Subject:    req.Subject(),
		Method:     req.Method,
		Path:       req.OriginalURL(),
		UserAgent:  req.Header.Get("User-Agent"),
		RequestID:  req.RequestID,
	})
	req.Agent = &agent
	return nil
}

// healthStage はゲートウェイの稼働確認に固定の応答を返す。
type healthStage struct{}

func (healthStage) Name() string { return stageHealth }

func (healthStage) Process(context.Context, *pipeline.Request) *pipeline.Response {
	return pipeline.Text(http.StatusOK, healthBody)
}
