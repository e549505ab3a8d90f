// Package gateway はAPI GatewayのHTTPサーバーを提供する。
//
// すべてのリクエストは CORS → レート制限 → 認証 → アクセスログ → 転送 の順に
// パイプラインを通過する。GET /health は転送の代わりに固定の応答を返す。
// 上流サービスへの転送には登録済みのURLプレフィックスを使用する。
package gateway
