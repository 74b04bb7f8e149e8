// Package model はドメインモデルを定義する。
package model

import "time"

// CanonicalCard はプロバイダー非依存の正規化済みカードを表す。
// IDと取得元ソースIDの組み合わせがグローバルに一意となる。
// カードはインプレースで変更されず、再取得のたびに新しいスナップショットが
// 生成されて前のスナップショットを置き換える。
type CanonicalCard struct {
	ID              string
	SourceID        string
	Name            string
	SetCode         string
	SetName         string
	CollectorNumber string
	Rarity          string
	TypeLine        string
	OracleText      string
	ManaCost        string
	ManaValue       float64
	Power           string
	Toughness       string
	Colors          []string

	// Images はサイズキー（small/normal/large等）→URIのマッピング。
	Images map[string]string
	// Prices は通貨キー（usd/eur等）→価格のマッピング。値がない通貨はnil。
	Prices map[string]*float64
	// Legalities はフォーマット→ステータス（legal/banned等）のマッピング。
	Legalities map[string]string
	// PurchaseLinks はストア名→購入URLのマッピング。
	PurchaseLinks map[string]string

	FetchedAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CardSet はカードセット（エキスパンション）を表す。
type CardSet struct {
	Code        string
	Name        string
	SetType     string
	ReleaseDate string
	CardCount   int
	SourceID    string
}

// FilterOperator はフィルタの比較演算子を表す。
type FilterOperator string

const (
	// FilterOpEq は等価比較。
	FilterOpEq FilterOperator = "eq"
	// FilterOpContains は部分一致。
	FilterOpContains FilterOperator = "contains"
	// FilterOpGte は以上比較。
	FilterOpGte FilterOperator = "gte"
	// FilterOpLte は以下比較。
	FilterOpLte FilterOperator = "lte"
)

// Filter は構造化された検索フィルタ（フィールド→演算子→値）を表す。
type Filter struct {
	Field    string
	Operator FilterOperator
	Value    string
}

// SortSpec は検索結果のソート指定を表す。
type SortSpec struct {
	Field string
	Desc  bool
}

// FetchOptions はソースへの検索リクエストのパラメータを表す。
type FetchOptions struct {
	Query   string
	Filters []Filter
	Limit   int
	Offset  int
	Sort    *SortSpec
}

// DefaultFetchLimit はLimit未指定時のデフォルトページサイズ。
const DefaultFetchLimit = 50

// Normalize はLimit/Offsetの省略値と不正値を補正したコピーを返す。
func (o FetchOptions) Normalize() FetchOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultFetchLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// FetchResult は1ソースからの検索結果を正規化した形で表す。
// ファンアウト検索では各ソースにつき1つのFetchResultが生成され、
// ソース単位の失敗はErrorフィールドに記録される（呼び出し全体は失敗しない）。
type FetchResult struct {
	Data     []*CanonicalCard
	Total    int
	HasMore  bool
	Limit    int
	Offset   int
	SourceID string
	Error    string
	// Metadata はプロバイダー固有の警告等を格納する。
	Metadata map[string]string
}

// ComputeHasMore はページング結果に続きがあるかを判定する。
// プロバイダーごとのページング方式の差異に関わらず、
// offset + 返却件数 < total で統一的に計算する。
func ComputeHasMore(offset, returned, total int) bool {
	return offset+returned < total
}
