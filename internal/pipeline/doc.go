// Package pipeline はゲートウェイのリクエスト処理パイプラインを提供する。
//
// パイプラインは Stage の順序付きリストとして構成され、固定のドライバが
// 各ステージを順番に実行する。ステージはリクエストを次へ渡すか、
// 終端レスポンスを返してパイプラインを打ち切る。
package pipeline
