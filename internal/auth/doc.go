// Package auth はゲートウェイの認証ゲートを提供する。
//
// 認証不要パスの許可リスト、Bearerトークンの抽出、署名アルゴリズムを固定した
// JWT検証、検証済みクレームから得られる Identity を扱う。
// 検証失敗の理由はログ用にエラーへ含めるが、クライアントには区別せず返すこと。
package auth
