package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Algorithm はゲートウェイが受け付ける唯一の署名アルゴリズム。
const Algorithm = "HS256"

var (
	// ErrUnauthorized は認証に失敗したことを表す。以下のエラーはすべてこれをラップする。
	ErrUnauthorized = errors.New("認証に失敗しました")
	// ErrMissingCredential はAuthorizationヘッダーが無いことを表す。
	ErrMissingCredential = fmt.Errorf("Authorizationヘッダーがありません: %w", ErrUnauthorized)
	// ErrMalformedCredential はBearer形式でないことを表す。
	ErrMalformedCredential = fmt.Errorf("Bearerトークン形式が不正です: %w", ErrUnauthorized)
	// ErrInvalidCredential は署名・有効期限・アルゴリズムの検証に失敗したことを表す。
	ErrInvalidCredential = fmt.Errorf("トークンが無効です: %w", ErrUnauthorized)
)

// Identity は検証済みトークンから得たユーザー情報。
type Identity struct {
	// Subject はユーザーの一意識別子。
	Subject string
	// Email はユーザーのメールアドレス。クレームに無い場合は空。
	Email string
	// ExpiresAt はトークンの有効期限。クレームに無い場合はゼロ値。
	ExpiresAt time.Time
}

// Claims はゲートウェイが解釈するJWTクレーム。
// ユーザーサービスは "id"、旧ゲートウェイは "user_id" に識別子を入れるため両方を受け付ける。
type Claims struct {
	jwt.RegisteredClaims
	// UserID は旧形式のユーザー識別子。
	UserID string `json:"user_id,omitempty"`
	// AccountID はユーザーサービスが発行するユーザー識別子。
	AccountID string `json:"id,omitempty"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email,omitempty"`
}

// subject は sub, user_id, id の順で最初に見つかった識別子を返す。
func (c *Claims) subject() string {
	for _, s := range []string{c.Subject, c.UserID, c.AccountID} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// Verifier は共有秘密鍵でHS256トークンを検証する。
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// VerifierOption はVerifierの検証条件を変更する。
type VerifierOption func(*[]jwt.ParserOption)

// WithExpirationRequired はexpクレームのないトークンを拒否する。
func WithExpirationRequired() VerifierOption {
	return func(opts *[]jwt.ParserOption) {
		*opts = append(*opts, jwt.WithExpirationRequired())
	}
}

// NewVerifier は新しいVerifierを生成する。leewayは有効期限判定の許容誤差。
func NewVerifier(secret string, leeway time.Duration, opts ...VerifierOption) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("JWTの秘密鍵が設定されていません")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{Algorithm}),
		jwt.WithLeeway(leeway),
	}
	for _, opt := range opts {
		opt(&parserOpts)
	}
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(parserOpts...),
	}, nil
}

// Verify はトークンを検証し、Identityを返す。
// アルゴリズムはトークンのヘッダーではなく Algorithm に固定される。
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("想定外の署名アルゴリズム: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return nil, ErrInvalidCredential
	}

	sub := claims.subject()
	if sub == "" {
		return nil, fmt.Errorf("%w: ユーザー識別子のクレームがありません", ErrInvalidCredential)
	}

	id := &Identity{Subject: sub, Email: claims.Email}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// BearerToken はAuthorizationヘッダーの値からトークン部分を取り出す。
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingCredential
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformedCredential
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", ErrMalformedCredential
	}
	return token, nil
}

// Gate は許可リストとVerifierを組み合わせた認証ゲート。
type Gate struct {
	allow    AllowList
	verifier *Verifier
}

// NewGate は新しいGateを生成する。
func NewGate(allow AllowList, verifier *Verifier) *Gate {
	return &Gate{allow: allow, verifier: verifier}
}

// Authenticate はリクエストを認証する。
// 許可リストに一致するパスでは検証を行わず、Identityもエラーもnilを返す。
func (g *Gate) Authenticate(path, authorization string) (*Identity, error) {
	if g.allow.Allows(path) {
		return nil, nil
	}

	token, err := BearerToken(authorization)
	if err != nil {
		return nil, err
	}
	return g.verifier.Verify(token)
}
