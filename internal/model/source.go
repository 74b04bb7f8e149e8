package model

import "time"

// SourceType はデータソースの種別を表す。
type SourceType string

const (
	// SourceTypeAPI はREST API型のソース。
	SourceTypeAPI SourceType = "api"
	// SourceTypeScraper はスクレイパー型のソース。
	SourceTypeScraper SourceType = "scraper"
	// SourceTypeFeed はバルク配信型のソース。
	SourceTypeFeed SourceType = "feed"
	// SourceTypeManual は手動登録型のソース。
	SourceTypeManual SourceType = "manual"
)

// RateLimitConfig はソースごとのレート制限バジェット（requests/perSeconds）を表す。
type RateLimitConfig struct {
	Requests   int
	PerSeconds int
}

// SourceConfig はデータソースの設定を表す。
// アダプタ構築後はEnabledとLastSync以外イミュータブルとして扱う。
type SourceConfig struct {
	ID       string
	Name     string
	Type     SourceType
	Enabled  bool
	Priority int
	BaseURL  string

	// RateLimit が nil の場合、アダプタはプロバイダー既定の制限に従う。
	RateLimit *RateLimitConfig

	// Credentials はプロバイダー固有の認証情報（client_id等）。
	Credentials map[string]string

	// SyncInterval は定期同期の間隔。0の場合そのソースは定期同期対象外。
	SyncInterval time.Duration

	LastSync time.Time
}

// StatusState はソースの稼働状態を表す。
type StatusState string

const (
	// StatusOK は正常稼働状態。
	StatusOK StatusState = "ok"
	// StatusDegraded は一部機能が劣化した状態。
	StatusDegraded StatusState = "degraded"
	// StatusUnavailable は利用不可の状態。
	StatusUnavailable StatusState = "unavailable"
	// StatusError はステータス取得自体に失敗した状態。
	StatusError StatusState = "error"
)

// SourceStatus はソースの健全性情報を表す。
type SourceStatus struct {
	SourceID string
	State    StatusState
	Message  string
	Metrics  map[string]string
}

// RateLimitState はソースごとのレート制限の現在状態を表す。
// プロバイダーのレスポンスヘッダーから更新されるか、
// 設定されたバジェットから導出される。
type RateLimitState struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// AuthToken はOAuth型ソースの認証トークンを表す。
// アダプタのメモリ外には永続化されず、プロセス再起動時に再取得される。
type AuthToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenRefreshMargin はトークンの事前リフレッシュを行う残存有効期間の閾値。
const TokenRefreshMargin = 60 * time.Second

// Valid はトークンが有効で、かつ残存有効期間が安全マージンを上回るかを返す。
func (t *AuthToken) Valid() bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return time.Until(t.ExpiresAt) > TokenRefreshMargin
}
