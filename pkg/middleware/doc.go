// Package middleware はゲートウェイのHTTPサーバーで使用する共通ミドルウェアを提供する。
//
// パニックリカバリ、リクエストIDの採番、CORSポリシーを含む。
// CORSの許可判定はパイプラインのステージから利用されるため、
// Ginに依存しないポリシー型として提供する。
package middleware
