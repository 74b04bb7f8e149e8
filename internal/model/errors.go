package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory はソースエラーの分類を表す。
type ErrorCategory string

const (
	// ErrCategoryAuth は認証エラー（リトライ1回後も認証が拒否された状態）。
	ErrCategoryAuth ErrorCategory = "authentication"
	// ErrCategoryRateLimit はレート制限エラー（待機・再試行後も制限中の状態）。
	ErrCategoryRateLimit ErrorCategory = "rate_limit"
	// ErrCategoryNetwork は一時的なネットワークエラー（タイムアウト、接続リセット）。
	ErrCategoryNetwork ErrorCategory = "network"
	// ErrCategoryProvider はプロバイダー側のエラー（5xx等）。
	ErrCategoryProvider ErrorCategory = "provider"
	// ErrCategoryConfiguration は設定エラー（必須認証情報の欠落等）。
	ErrCategoryConfiguration ErrorCategory = "configuration"
)

// ErrNoSourceAvailable は利用可能なソースが1つも登録されていない場合のエラー。
var ErrNoSourceAvailable = errors.New("利用可能なデータソースがありません")

// ErrManagerClosed はクローズ済みのマネージャーに対する操作のエラー。
var ErrManagerClosed = errors.New("マネージャーは既にクローズされています")

// SourceError はソースIDとカテゴリでタグ付けされたアダプタのエラーを表す。
// NotFoundはエラーではなくnilで表現されるため、このエラー型には含まれない。
type SourceError struct {
	SourceID string
	Category ErrorCategory
	Message  string
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.SourceID, e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %s", e.SourceID, e.Category, e.Message)
}

// Unwrap はラップされたエラーを返す。
func (e *SourceError) Unwrap() error {
	return e.Err
}

// Retryable はエラーが再試行可能なカテゴリかを返す。
func (e *SourceError) Retryable() bool {
	return e.Category == ErrCategoryRateLimit ||
		e.Category == ErrCategoryNetwork ||
		e.Category == ErrCategoryProvider
}

// NewSourceError はSourceErrorを生成する。
func NewSourceError(sourceID string, category ErrorCategory, message string, err error) *SourceError {
	return &SourceError{
		SourceID: sourceID,
		Category: category,
		Message:  message,
		Err:      err,
	}
}

// Violation は検証ルール違反1件を表す。
type Violation struct {
	Rule    string
	Field   string
	Message string
}

// ValidationError は全検証ルールを通した違反の蓄積リストを表す。
// 最初の違反で短絡せず、全ルールの違反を集めてからレコードを失敗させる。
type ValidationError struct {
	Violations []Violation
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s(%s): %s", v.Rule, v.Field, v.Message))
	}
	return fmt.Sprintf("検証に失敗しました（%d件）: %s", len(e.Violations), strings.Join(msgs, "; "))
}

// APIError はHTTP APIの統一エラーフォーマットを表す。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, source, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeCardNotFound      = "CARD_NOT_FOUND"
	ErrCodeInvalidQuery      = "INVALID_QUERY"
	ErrCodeUnknownSource     = "UNKNOWN_SOURCE"
	ErrCodeSourceUnavailable = "SOURCE_UNAVAILABLE"
	ErrCodeSyncFailed        = "SYNC_FAILED"
)

// NewCardNotFoundError はカード未検出エラーを生成する。
func NewCardNotFoundError(cardID string) *APIError {
	return &APIError{
		Code:     ErrCodeCardNotFound,
		Message:  fmt.Sprintf("カードが見つかりません: %s", cardID),
		Category: "validation",
		Action:   "カードIDを確認してください。",
	}
}

// NewInvalidQueryError は検索クエリ不正エラーを生成する。
func NewInvalidQueryError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidQuery,
		Message:  fmt.Sprintf("検索条件が不正です: %s", reason),
		Category: "validation",
		Action:   "検索条件を修正して再度お試しください。",
	}
}

// NewUnknownSourceError は未登録ソース指定エラーを生成する。
func NewUnknownSourceError(sourceID string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownSource,
		Message:  fmt.Sprintf("指定されたデータソースは登録されていません: %s", sourceID),
		Category: "validation",
		Action:   "GET /sources/status で利用可能なソースを確認してください。",
	}
}

// NewSourceUnavailableError はソース利用不可エラーを生成する。
func NewSourceUnavailableError(sourceID string) *APIError {
	return &APIError{
		Code:     ErrCodeSourceUnavailable,
		Message:  fmt.Sprintf("データソースが現在利用できません: %s", sourceID),
		Category: "source",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewSyncFailedError は同期起動失敗エラーを生成する。
func NewSyncFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeSyncFailed,
		Message:  fmt.Sprintf("同期の起動に失敗しました: %s", reason),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// TransformError は変換処理の失敗を、失敗した変換の名前付きで表す。
// 変換の失敗はそのレコードに対して致命的であり、レコードはfailedとなる。
type TransformError struct {
	Transform string
	Err       error
}

// Error はerrorインターフェースを実装する。
func (e *TransformError) Error() string {
	return fmt.Sprintf("変換 %s に失敗しました: %v", e.Transform, e.Err)
}

// Unwrap はラップされたエラーを返す。
func (e *TransformError) Unwrap() error {
	return e.Err
}
