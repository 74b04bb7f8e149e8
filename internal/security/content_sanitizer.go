// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizerService はマーケットプレイスの出品者記述など、
// プロバイダーから取得したHTML混じりのテキストをプレーンテキストに
// サニタイズする。bluemondayの厳格ポリシーにより全タグと
// on*イベント属性が除去される。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はテキストサニタイズ機能のインターフェースを定義する。
// 正規化パイプラインがレコードの保存前に使用する。
type TextSanitizerService interface {
	// Strip はHTMLタグを全て除去したプレーンテキストを返す。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Strip(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
// bluemondayのStrictPolicy（全タグ除去）を使用する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Strip はHTMLタグを全て除去したプレーンテキストを返す。
// bluemondayはタグ除去後にエンティティをエスケープするため、
// &amp;等を元の文字に戻してから前後空白を除去する。
func (s *textSanitizer) Strip(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := s.policy.Sanitize(raw)
	return strings.TrimSpace(html.UnescapeString(stripped))
}
