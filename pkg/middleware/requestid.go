package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader はリクエストIDを運ぶヘッダー。
	RequestIDHeader = "X-Request-ID"
	// requestIDKey はGinコンテキストにリクエストIDを保存するキー。
	requestIDKey = "request_id"
	// maxRequestIDLen は受け入れる外部リクエストIDの最大長。
	maxRequestIDLen = 128
)

// RequestID はリクエストIDを採番するGinミドルウェアを返す。
// 受信したX-Request-IDが妥当であれば引き継ぎ、なければUUIDを生成する。
// IDはレスポンスヘッダーにも設定する。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID はGinコンテキストからリクエストIDを取得する。
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// validRequestID は外部から渡されたIDが表示可能なASCIIのみで構成されているかを返す。
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
