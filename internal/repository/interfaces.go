// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/cardman/internal/model"
)

// CardRepository はカードスナップショットの永続化インターフェース。
// カードはid+source_idで一意であり、保存は常にUPSERT
// （再取得されたスナップショットが前のスナップショットを置き換える）。
type CardRepository interface {
	// Save はカードスナップショットをUPSERTする。updated_atを設定する。
	Save(ctx context.Context, card *model.CanonicalCard) error

	// FindByID は指定id+source_idのカードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id, sourceID string) (*model.CanonicalCard, error)

	// FindAnyByID はsource_idを問わず指定idのカードを取得する。
	// 複数ソースに存在する場合は最も最近更新されたものを返す。
	// 見つからない場合はnilを返す。
	FindAnyByID(ctx context.Context, id string) (*model.CanonicalCard, error)

	// Search は名前の部分一致検索を行い、該当カードと総件数を返す。
	Search(ctx context.Context, query string, limit, offset int) ([]*model.CanonicalCard, int, error)

	// CountBySource はソースごとの保存カード数を返す。
	CountBySource(ctx context.Context, sourceID string) (int, error)

	// DeleteBySource は指定ソースの全カードを削除する。削除件数を返す。
	DeleteBySource(ctx context.Context, sourceID string) (int, error)
}

// RecordRepository は取得レコード（DataRecordエンベロープ）の永続化インターフェース。
// 終端状態（processed/failed）のレコードは以後変更されず、
// 再試行は新しい試行としてretry_countをインクリメントして保存される。
type RecordRepository interface {
	// Save はレコードをUPSERTする。updated_atを設定する。
	Save(ctx context.Context, record *model.DataRecord) error

	// FindByID は指定IDのレコードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.DataRecord, error)

	// ListByStatus は指定状態のレコードを取得する（上限付き）。
	ListByStatus(ctx context.Context, sourceID string, status model.RecordStatus, limit int) ([]*model.DataRecord, error)

	// CountByStatus はソースと状態ごとのレコード数を返す。
	CountByStatus(ctx context.Context, sourceID string, status model.RecordStatus) (int, error)
}
