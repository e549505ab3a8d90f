// Package httpclient はゲートウェイから上流サービスへリクエストを転送するHTTPクライアントを提供する。
//
// すべての呼び出しにタイムアウトを設定し、接続失敗・DNS解決失敗・タイムアウト・
// クライアント切断を上流サービス自身のエラーステータスと区別して返す。
// トランスポートはOpenTelemetryで計装され、トレースコンテキストを上流に伝播する。
package httpclient
