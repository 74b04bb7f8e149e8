// Package pipeline は取得レコードの正規化・検証パイプラインを提供する。
// レコードは (1)変換 → (2)検証 → (3)エンリッチ → (4)フィールド名正規化 の順に
// 処理され、失敗したレコードは破棄されずfailed状態でエラー詳細とともに
// 保存される（検査・再試行が可能なまま残る）。
package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/cardman/internal/model"
)

// URLValidator は外部URLの安全性検証のインターフェース。
// プロバイダーが返す画像URL・購入URLを保存前に検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Transform は純粋関数による変換ステージの1ステップ。
// 変換の失敗はそのレコードに対して致命的であり、変換名とともに報告される。
type Transform struct {
	Name string
	Fn   func(data map[string]any) (map[string]any, error)
}

// Rule は検証ルール。違反のリストを返す（違反なしの場合は空）。
// 全ルールの違反を蓄積してから失敗させるため、ルールはエラーで短絡しない。
type Rule struct {
	Name string
	Fn   func(data map[string]any, fields *FieldMapper) []model.Violation
}

// Pipeline は正規化・検証パイプライン。
// フィールド名マッピングはソースごとに明示的に登録される
// （全ソース共通の暗黙マッピングは存在しない）。
type Pipeline struct {
	logger     *slog.Logger
	transforms []Transform
	rules      []Rule
	fieldMaps  map[string]*FieldMapper
}

// New は既定の変換・検証ルールを備えたPipelineを生成する。
// sanitizeはHTML除去関数（bluemondayのStripTagsPolicy等）、
// urlValidatorはnil可（nilの場合はURL検証をスキップ）。
func New(logger *slog.Logger, sanitize func(string) string, urlValidator URLValidator) *Pipeline {
	p := &Pipeline{
		logger:    logger,
		fieldMaps: make(map[string]*FieldMapper),
	}

	p.transforms = []Transform{
		{Name: "trim_strings", Fn: trimStrings},
		{Name: "coerce_numeric_strings", Fn: coerceNumericStrings},
	}
	if sanitize != nil {
		p.transforms = append(p.transforms, Transform{
			Name: "sanitize_html",
			Fn:   sanitizeStrings(sanitize),
		})
	}
	if urlValidator != nil {
		p.transforms = append(p.transforms, Transform{
			Name: "url_safety",
			Fn:   dropUnsafeURLs(urlValidator, logger),
		})
	}

	p.rules = []Rule{
		{Name: "required_name", Fn: ruleRequiredName},
		{Name: "non_negative_prices", Fn: ruleNonNegativePrices},
	}

	return p
}

// RegisterFieldMap はソースIDに対するフィールド名マッピングテーブルを登録する。
func (p *Pipeline) RegisterFieldMap(sourceID string, table map[string]string) {
	p.fieldMaps[sourceID] = NewFieldMapper(table)
}

// Process はレコードをパイプラインに通す。
// 成功時はrecord.Dataが正規化済みフィールド名のペイロードに置き換えられ、
// StatusがprocessedになりProcessedAtが設定される。
// 失敗時はStatusがfailedになりErrorに詳細が記録される（エラーも返す）。
func (p *Pipeline) Process(record *model.DataRecord) error {
	record.Status = model.RecordStatusProcessing

	fields := p.fieldMaps[record.SourceID]
	if fields == nil {
		err := fmt.Errorf("ソース %s のフィールドマッピングが登録されていません", record.SourceID)
		p.fail(record, err)
		return err
	}

	// (1) 変換: 失敗はレコードに対して致命的
	data := record.Data
	for _, t := range p.transforms {
		next, err := t.Fn(data)
		if err != nil {
			terr := &model.TransformError{Transform: t.Name, Err: err}
			p.fail(record, terr)
			return terr
		}
		data = next
	}

	// (2) 検証: 全ルールの違反を蓄積してから判定する（最初の違反で短絡しない）
	var violations []model.Violation
	for _, r := range p.rules {
		violations = append(violations, r.Fn(data, fields)...)
	}
	if len(violations) > 0 {
		verr := &model.ValidationError{Violations: violations}
		p.fail(record, verr)
		return verr
	}

	// (3) エンリッチ: 冪等。既存の非空値は上書きしない
	enrich(record, data, fields)

	// (4) フィールド名正規化: マッピングテーブルで変換し、
	// 未マッピングのフィールドはそのまま転写する（未知フィールドに前方互換）
	record.Data = fields.Apply(data)

	now := time.Now()
	record.Status = model.RecordStatusProcessed
	record.ProcessedAt = &now
	return nil
}

// fail はレコードをfailed状態にしてエラー詳細を記録する。
func (p *Pipeline) fail(record *model.DataRecord, err error) {
	now := time.Now()
	record.Status = model.RecordStatusFailed
	record.Error = err.Error()
	record.ProcessedAt = &now

	p.logger.Warn("レコードの正規化に失敗しました",
		slog.String("record_id", record.ID),
		slog.String("source_id", record.SourceID),
		slog.String("error", err.Error()),
	)
}

// enrich は導出フィールドとデフォルト値を補完する。
// 冪等であり、既存の非空値を上書きすることはない
// （正規化済みレコードを再度通してもタイムスタンプの二重書き込みは起きない）。
func enrich(record *model.DataRecord, data map[string]any, fields *FieldMapper) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	if key, ok := fields.ProviderKey("id"); ok {
		if v, exists := data[key]; !exists || v == "" || v == nil {
			data[key] = uuid.NewString()
		}
	}

	if v, exists := data["fetched_at"]; !exists || v == "" || v == nil {
		if record.FetchedAt.IsZero() {
			record.FetchedAt = time.Now()
		}
		data["fetched_at"] = record.FetchedAt.UTC().Format(time.RFC3339)
	}
}

// FieldMapper はプロバイダー固有フィールド名→正規スキーマ名のマッピング。
type FieldMapper struct {
	table   map[string]string
	inverse map[string]string
}

// NewFieldMapper はFieldMapperを生成する。
func NewFieldMapper(table map[string]string) *FieldMapper {
	inverse := make(map[string]string, len(table))
	for provider, canonical := range table {
		inverse[canonical] = provider
	}
	return &FieldMapper{table: table, inverse: inverse}
}

// ProviderKey は正規フィールド名に対応するプロバイダーのキーを返す。
func (m *FieldMapper) ProviderKey(canonical string) (string, bool) {
	key, ok := m.inverse[canonical]
	return key, ok
}

// Apply はマッピングテーブルに従ってフィールド名を正規化した
// 新しいマップを返す。テーブルにないフィールドはそのままのキーで転写される。
// 既に正規化済みのマップに再適用しても結果は変わらない（冪等）。
func (m *FieldMapper) Apply(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for key, value := range data {
		if canonical, ok := m.table[key]; ok {
			out[canonical] = value
			continue
		}
		out[key] = value
	}
	return out
}
