package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/cardman/internal/model"
	"github.com/hitoshi/cardman/internal/pipeline"
	"github.com/hitoshi/cardman/internal/repository"
	"github.com/hitoshi/cardman/internal/source"
)

// SyncMetricsCollector は同期処理のメトリクス収集インターフェース。
type SyncMetricsCollector interface {
	RecordSyncSuccess(sourceID string)
	RecordSyncFailure(sourceID string, reason string)
	RecordValidationFailure(sourceID string)
	RecordSyncLatency(sourceID string, duration time.Duration)
	RecordCardsUpserted(sourceID string, count int)
}

const (
	// maxRecordRetries は失敗レコードの再処理試行回数の上限。
	maxRecordRetries = 3
	// retryBatchSize は1回の同期ジョブで再処理する失敗レコードの最大件数。
	retryBatchSize = 100
)

// Processor は同期ジョブを実行する。
// ソースから生レコードを取得し、パイプラインを通して正規化・検証した上で
// レコードとカードスナップショットを永続化する。
// 検証に失敗したレコードはfailed状態で保存され、ジョブ自体は成功として扱う。
// 保存済みの失敗レコードは後続の同期ジョブで新しい試行として再処理される。
type Processor struct {
	manager *source.Manager
	pipe    *pipeline.Pipeline
	cards   repository.CardRepository
	records repository.RecordRepository
	metrics SyncMetricsCollector
	logger  *slog.Logger
}

// NewProcessor はProcessorの新しいインスタンスを生成する。
func NewProcessor(
	manager *source.Manager,
	pipe *pipeline.Pipeline,
	cards repository.CardRepository,
	records repository.RecordRepository,
	metrics SyncMetricsCollector,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		manager: manager,
		pipe:    pipe,
		cards:   cards,
		records: records,
		metrics: metrics,
		logger:  logger,
	}
}

// HandleJob は同期ジョブを1件実行する。Handlerとして登録される。
// ソース取得の失敗はエラーとして返しキュー側の再試行に委ねる。
// レコード単位の検証失敗は集計のみ行い、ジョブを失敗させない。
// 価格同期ジョブはPriceSyncerを実装するソースのみを対象とし、
// それ以外のソースでは何もせず成功する。
func (p *Processor) HandleJob(ctx context.Context, payload JobPayload) error {
	start := time.Now()

	src, ok := p.manager.Source(payload.SourceID)
	if !ok {
		return fmt.Errorf("ソースが登録されていません: %s", payload.SourceID)
	}

	since := payload.Since
	if payload.Force {
		since = time.Time{}
	}

	var recs []*model.DataRecord
	var err error
	switch payload.Kind {
	case JobKindPrices:
		ps, ok := src.(source.PriceSyncer)
		if !ok {
			p.logger.Info("価格同期に対応していないソースのためスキップします",
				slog.String("source_id", payload.SourceID),
			)
			return nil
		}
		recs, err = ps.SyncPrices(ctx, since)
	default:
		recs, err = src.SyncRecords(ctx, since)
	}
	if err != nil {
		p.metrics.RecordSyncFailure(payload.SourceID, failureReason(err))
		return fmt.Errorf("ソースからのレコード取得に失敗: %w", err)
	}

	processed := 0
	failed := 0
	for _, rec := range recs {
		if p.processRecord(ctx, payload.SourceID, rec) {
			processed++
		} else {
			failed++
		}
	}

	recovered := p.retryFailed(ctx, payload.SourceID)
	processed += recovered

	duration := time.Since(start)
	p.metrics.RecordSyncSuccess(payload.SourceID)
	p.metrics.RecordSyncLatency(payload.SourceID, duration)
	p.metrics.RecordCardsUpserted(payload.SourceID, processed)

	p.logger.Info("同期ジョブが完了しました",
		slog.String("source_id", payload.SourceID),
		slog.String("kind", payload.Kind),
		slog.Bool("force", payload.Force),
		slog.Int("records_total", len(recs)),
		slog.Int("records_processed", processed),
		slog.Int("records_failed", failed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// processRecord はレコード1件をパイプラインに通して永続化する。
// カードスナップショットの保存まで完了した場合にtrueを返す。
func (p *Processor) processRecord(ctx context.Context, sourceID string, rec *model.DataRecord) bool {
	if perr := p.pipe.Process(rec); perr != nil {
		// パイプラインがレコードをfailed状態に設定済み。違反リストごと保存する。
		p.metrics.RecordValidationFailure(sourceID)
		if serr := p.records.Save(ctx, rec); serr != nil {
			p.logger.Error("失敗レコードの保存に失敗しました",
				slog.String("source_id", sourceID),
				slog.String("record_id", rec.ID),
				slog.String("error", serr.Error()),
			)
		}
		return false
	}

	if serr := p.records.Save(ctx, rec); serr != nil {
		p.logger.Error("レコードの保存に失敗しました",
			slog.String("source_id", sourceID),
			slog.String("record_id", rec.ID),
			slog.String("error", serr.Error()),
		)
		return false
	}

	card, derr := pipeline.DecodeCard(rec)
	if derr != nil {
		p.logger.Error("カードへのデコードに失敗しました",
			slog.String("source_id", sourceID),
			slog.String("record_id", rec.ID),
			slog.String("error", derr.Error()),
		)
		return false
	}
	if serr := p.cards.Save(ctx, card); serr != nil {
		p.logger.Error("カードの保存に失敗しました",
			slog.String("source_id", sourceID),
			slog.String("card_id", card.ID),
			slog.String("error", serr.Error()),
		)
		return false
	}
	return true
}

// retryFailed は保存済みの失敗レコードを新しい試行として再処理する。
// 各レコードはRetryCountをインクリメントした上でパイプラインを再通過し、
// 成功すればprocessedに遷移する。試行回数上限に達したレコードは対象外。
// 回復したレコード件数を返す。
func (p *Processor) retryFailed(ctx context.Context, sourceID string) int {
	backlog, err := p.records.CountByStatus(ctx, sourceID, model.RecordStatusFailed)
	if err != nil {
		p.logger.Error("失敗レコード数の取得に失敗しました",
			slog.String("source_id", sourceID),
			slog.String("error", err.Error()),
		)
		return 0
	}
	if backlog == 0 {
		return 0
	}

	candidates, err := p.records.ListByStatus(ctx, sourceID, model.RecordStatusFailed, retryBatchSize)
	if err != nil {
		p.logger.Error("失敗レコードの取得に失敗しました",
			slog.String("source_id", sourceID),
			slog.String("error", err.Error()),
		)
		return 0
	}

	attempted := 0
	recovered := 0
	for _, rec := range candidates {
		if rec.RetryCount >= maxRecordRetries {
			continue
		}
		// 別ワーカーが先に処理していないか、最新状態を確認してから再試行する
		cur, ferr := p.records.FindByID(ctx, rec.ID)
		if ferr != nil || cur == nil || cur.Status != model.RecordStatusFailed {
			continue
		}

		cur.RetryCount++
		cur.Status = model.RecordStatusPending
		cur.Error = ""
		cur.ProcessedAt = nil
		attempted++
		if p.processRecord(ctx, sourceID, cur) {
			recovered++
		}
	}

	if attempted > 0 {
		p.logger.Info("失敗レコードを再処理しました",
			slog.String("source_id", sourceID),
			slog.Int("backlog", backlog),
			slog.Int("attempted", attempted),
			slog.Int("recovered", recovered),
		)
	}
	return recovered
}

// failureReason はエラーからメトリクス用の失敗理由ラベルを導出する。
func failureReason(err error) string {
	var serr *model.SourceError
	if errors.As(err, &serr) {
		return string(serr.Category)
	}
	return string(model.ErrCategoryNetwork)
}
