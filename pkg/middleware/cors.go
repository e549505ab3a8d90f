package middleware

import (
	"net/http"
	"strings"
)

const (
	corsAllowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	corsAllowHeaders = "Authorization, Content-Type, X-Request-ID"
	corsMaxAge       = "86400"
)

// CORSPolicy はクロスオリジンリクエストを許可するオリジンの一覧。
// 起動後は読み取り専用。
type CORSPolicy struct {
	// origins は許可するオリジンの集合。
	origins map[string]struct{}
	// list は設定順のオリジン一覧。
	list []string
}

// NewCORSPolicy は許可オリジンの一覧からCORSPolicyを生成する。空要素は無視する。
func NewCORSPolicy(allowedOrigins []string) *CORSPolicy {
	p := &CORSPolicy{origins: make(map[string]struct{}, len(allowedOrigins))}
	for _, o := range allowedOrigins {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if _, dup := p.origins[o]; dup {
			continue
		}
		p.origins[o] = struct{}{}
		p.list = append(p.list, o)
	}
	return p
}

// Allowed はオリジンからのリクエストを受け付けるかを返す。
// Originヘッダーのないリクエスト（同一オリジンやサーバー間通信）は常に許可する。
func (p *CORSPolicy) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

// Apply は許可されたオリジンに対するCORSヘッダーをhに設定する。
func (p *CORSPolicy) Apply(h http.Header, origin string) {
	h.Add("Vary", "Origin")
	if origin == "" {
		return
	}
	if _, ok := p.origins[origin]; !ok {
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	h.Set("Access-Control-Max-Age", corsMaxAge)
}

// IsPreflight はCORSのプリフライトリクエストかどうかを返す。
func IsPreflight(method string, h http.Header) bool {
	return method == http.MethodOptions &&
		h.Get("Origin") != "" &&
		h.Get("Access-Control-Request-Method") != ""
}

// Origins は許可オリジンを設定順に返す。
func (p *CORSPolicy) Origins() []string {
	return append([]string(nil), p.list...)
}
