package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/cardman/internal/model"
)

// PostgresRecordRepo はPostgreSQLを使用した取得レコードリポジトリ。
type PostgresRecordRepo struct {
	db *sql.DB
}

// NewPostgresRecordRepo はPostgresRecordRepoを生成する。
func NewPostgresRecordRepo(db *sql.DB) *PostgresRecordRepo {
	return &PostgresRecordRepo{db: db}
}

// Save はレコードをUPSERTする。updated_atを設定する。
func (r *PostgresRecordRepo) Save(ctx context.Context, record *model.DataRecord) error {
	data, err := json.Marshal(record.Data)
	if err != nil {
		return fmt.Errorf("レコードペイロードのシリアライズに失敗しました: %w", err)
	}

	var processedAt sql.NullTime
	if record.ProcessedAt != nil {
		processedAt = sql.NullTime{Time: *record.ProcessedAt, Valid: true}
	}

	now := time.Now()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO data_records (id, source_id, record_type, data, fetched_at,
		                           processed_at, status, error, retry_count,
		                           created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   data = EXCLUDED.data,
		   processed_at = EXCLUDED.processed_at,
		   status = EXCLUDED.status,
		   error = EXCLUDED.error,
		   retry_count = EXCLUDED.retry_count,
		   updated_at = EXCLUDED.updated_at`,
		record.ID, record.SourceID, record.Type, data, record.FetchedAt,
		processedAt, string(record.Status), record.Error, record.RetryCount,
		now,
	)
	if err != nil {
		return fmt.Errorf("レコードの保存に失敗しました: %w", err)
	}
	return nil
}

// recordColumns はSELECT句で使用するカラムリスト。
const recordColumns = `id, source_id, record_type, data, fetched_at,
	processed_at, status, error, retry_count, created_at, updated_at`

// FindByID は指定IDのレコードを取得する。見つからない場合はnilを返す。
func (r *PostgresRecordRepo) FindByID(ctx context.Context, id string) (*model.DataRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM data_records WHERE id = $1`, id,
	)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("レコードの取得に失敗しました: %w", err)
	}
	return record, nil
}

// ListByStatus は指定ソース・状態のレコードを古い順に取得する（上限付き）。
func (r *PostgresRecordRepo) ListByStatus(ctx context.Context, sourceID string, status model.RecordStatus, limit int) ([]*model.DataRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM data_records
		 WHERE source_id = $1 AND status = $2
		 ORDER BY created_at ASC LIMIT $3`,
		sourceID, string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("レコード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []*model.DataRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("レコード行のスキャンに失敗しました: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("レコード一覧の取得に失敗しました: %w", err)
	}
	return records, nil
}

// CountByStatus はソースと状態ごとのレコード数を返す。
func (r *PostgresRecordRepo) CountByStatus(ctx context.Context, sourceID string, status model.RecordStatus) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM data_records WHERE source_id = $1 AND status = $2`,
		sourceID, string(status),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("レコード数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// scanRecord は1行をDataRecordにスキャンする。
func scanRecord(row rowScanner) (*model.DataRecord, error) {
	record := &model.DataRecord{}
	var data []byte
	var processedAt sql.NullTime
	var status string
	var errMsg sql.NullString

	err := row.Scan(
		&record.ID, &record.SourceID, &record.Type, &data, &record.FetchedAt,
		&processedAt, &status, &errMsg, &record.RetryCount,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = model.RecordStatus(status)
	record.Error = errMsg.String
	if processedAt.Valid {
		record.ProcessedAt = &processedAt.Time
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &record.Data); err != nil {
			return nil, fmt.Errorf("レコードペイロードのデシリアライズに失敗しました: %w", err)
		}
	}
	return record, nil
}
