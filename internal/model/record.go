package model

import "time"

// RecordStatus は取得レコードの処理状態を表す。
type RecordStatus string

const (
	// RecordStatusPending は処理待ち状態。
	RecordStatusPending RecordStatus = "pending"
	// RecordStatusProcessing は処理中状態。
	RecordStatusProcessing RecordStatus = "processing"
	// RecordStatusProcessed は処理完了状態（終端）。
	RecordStatusProcessed RecordStatus = "processed"
	// RecordStatusFailed は処理失敗状態（終端）。
	RecordStatusFailed RecordStatus = "failed"
)

// DataRecord はソースから取得した生データの処理エンベロープを表す。
// フェッチ完了時に生成され、パイプラインを通過する間に
// pending→processing→processed/failed と状態遷移する。
// 終端状態のレコードは以後変更されず、リトライは新しい試行として
// RetryCountをインクリメントして記録される。
type DataRecord struct {
	ID       string
	SourceID string
	Type     string

	// Data は生ペイロードまたは正規化済みペイロード。
	Data map[string]any

	FetchedAt   time.Time
	ProcessedAt *time.Time
	Status      RecordStatus
	Error       string
	RetryCount  int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTerminal はレコードが終端状態（processed/failed）かを返す。
func (r *DataRecord) IsTerminal() bool {
	return r.Status == RecordStatusProcessed || r.Status == RecordStatusFailed
}
