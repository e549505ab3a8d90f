package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// issuer は開発用トークンの発行者。
const issuer = "apigateway"

// NewToken はユーザー情報から署名済みのHS256トークンを生成する。
// ローカル環境でゲートウェイを試すためのもので、本番ではユーザーサービスが発行する。
func NewToken(secret, subject, email string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subjectが空です")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
		Email: email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}
