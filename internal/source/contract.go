// Package source はデータソースの抽象化層を提供する。
// 全プロバイダーアダプタが満たす共通契約、レート制限等の共有ヘルパー、
// およびソースの登録・ルーティング・集約を行うマネージャーを含む。
package source

import (
	"context"
	"time"

	"github.com/hitoshi/cardman/internal/model"
)

// DataSource は1つの外部プロバイダーに対するアダプタの共通契約。
//
// 契約ルール:
//   - FetchByID はプロバイダーが「存在しない」と報告した場合に (nil, nil) を返す。
//     それ以外の失敗（ネットワーク、5xx、認証）はソースIDでタグ付けされた
//     エラーとして伝播する。
//   - FetchBatch はベストエフォート: 個別の失敗はログに記録して結果から除外する。
//     ただしプロバイダーがネイティブのバルクエンドポイントを持つ場合、
//     バルク呼び出しの失敗は単一の集約エラーとなる。
//   - Fetch はプロバイダー固有のページング方式を使いつつ、常にFetchResultの
//     形に正規化する。HasMoreは offset + 返却件数 < total で統一計算する。
//   - 認証が必要なアダプタは401相当のレスポンスに対して透過的に再認証し、
//     元のリクエストを1回だけ再試行してからエラーを表面化する。
//   - 各アダプタはリクエスト発行前の遅延により自身のレート制限を守る。
//     プロバイダーが429相当やRetry-Afterを返した場合は指定時間待機して
//     1回だけ再試行する。
type DataSource interface {
	// Config はアダプタのソース設定を返す。
	Config() model.SourceConfig

	// Initialize はアダプタを初期化する（疎通確認、初回認証等）。
	Initialize(ctx context.Context) error

	// Close はアダプタのリソースを解放する。
	Close() error

	// Fetch は検索オプションに従ってカードを検索する。
	Fetch(ctx context.Context, opts model.FetchOptions) (*model.FetchResult, error)

	// FetchByID は指定IDのカードを取得する。見つからない場合は (nil, nil) を返す。
	FetchByID(ctx context.Context, id string) (*model.CanonicalCard, error)

	// FetchBatch は複数IDのカードをまとめて取得する。
	FetchBatch(ctx context.Context, ids []string) ([]*model.CanonicalCard, error)

	// FetchSets はプロバイダーの提供するセット一覧を取得する。
	FetchSets(ctx context.Context) ([]*model.CardSet, error)

	// SyncRecords は同期処理のために生ペイロードのレコードを取得する。
	// sinceより後に更新された分のみを返すことが望ましいが、
	// 増分取得をサポートしないプロバイダーは全量を返してよい。
	// 返されたレコードは正規化パイプラインを通してストレージに書き込まれる。
	SyncRecords(ctx context.Context, since time.Time) ([]*model.DataRecord, error)

	// IsAvailable はソースが現在利用可能かを返す。
	IsAvailable(ctx context.Context) bool

	// Status はソースの健全性情報を返す。
	Status(ctx context.Context) (model.SourceStatus, error)

	// RateLimitStatus は現在のレート制限状態を返す。
	// レート制限を持たないソースはnilを返す。
	RateLimitStatus() *model.RateLimitState
}

// PriceSyncer は価格更新同期に対応するソースが実装するオプションインターフェース。
// 販売価格を持つマーケットプレイス型のソースのみが実装する。
// 実装しないソースは価格同期ジョブの対象外としてスキップされる。
type PriceSyncer interface {
	// SyncPrices は現在の販売価格を含むレコードを取得する。
	// SyncRecordsと同じエンベロープ形式で、Typeにpriceを設定して返す。
	SyncPrices(ctx context.Context, since time.Time) ([]*model.DataRecord, error)
}
