package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/hitoshi/cardman/internal/source"
)

// RateLimitSkipReporter はレート制限枯渇によるスキップを通知するインターフェース。
type RateLimitSkipReporter interface {
	RecordRateLimitSkip(sourceID string)
}

// Scheduler はソースごとの同期間隔に基づいて同期ジョブを投入する。
// ティッカーで全ソースを走査し、期限が到来した有効なソースをキューに投入する。
// レート制限バジェットが枯渇しているソースはスキップしてログに記録する。
type Scheduler struct {
	manager  *source.Manager
	queue    Queue
	reporter RateLimitSkipReporter
	logger   *slog.Logger

	// MaxAttempts とBaseDelay は投入するジョブの再試行設定。
	// ゼロ値の場合はエグゼキュータの既定値が使われる。
	MaxAttempts int
	BaseDelay   time.Duration

	mu      stdsync.Mutex
	lastRun map[string]time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(manager *source.Manager, queue Queue, reporter RateLimitSkipReporter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		manager:  manager,
		queue:    queue,
		reporter: reporter,
		logger:   logger,
		lastRun:  make(map[string]time.Time),
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("tick_interval", interval),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は全ソースを1回走査し、期限到来ソースの同期ジョブを投入する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := time.Now()
	enqueued := 0

	for _, id := range s.manager.SourceIDs() {
		src, ok := s.manager.Source(id)
		if !ok {
			continue
		}
		cfg := src.Config()

		if !cfg.Enabled {
			s.logger.Debug("無効化されたソースのためスキップします",
				slog.String("source_id", id),
			)
			continue
		}
		if cfg.SyncInterval <= 0 {
			continue
		}

		s.mu.Lock()
		last := s.lastRun[id]
		s.mu.Unlock()
		if !last.IsZero() && now.Sub(last) < cfg.SyncInterval {
			continue
		}

		if s.budgetExhausted(src, now) {
			s.logger.Warn("レート制限バジェットが枯渇しているためスキップします",
				slog.String("source_id", id),
			)
			if s.reporter != nil {
				s.reporter.RecordRateLimitSkip(id)
			}
			continue
		}

		payload := JobPayload{
			SourceID:    id,
			Kind:        JobKindData,
			Since:       cfg.LastSync,
			TriggeredAt: now,
		}
		if err := s.queue.Enqueue(ctx, JobKindData, payload, JobOptions{
			JobID:       JobID(id, now),
			MaxAttempts: s.MaxAttempts,
			BaseDelay:   s.BaseDelay,
		}); err != nil {
			s.logger.Error("同期ジョブの投入に失敗しました",
				slog.String("source_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.mu.Lock()
		s.lastRun[id] = now
		s.mu.Unlock()
		enqueued++
	}

	if enqueued > 0 {
		s.logger.Info("同期サイクルを完了しました",
			slog.Int("enqueued", enqueued),
		)
	}
	return nil
}

// TriggerSync は指定ソースの同期ジョブを手動で投入する。
// sourceIDが空の場合は登録済みの全ソースを対象とする。
// forceがtrueの場合、無効化されたソースも対象とし、全件同期を行う。
func (s *Scheduler) TriggerSync(ctx context.Context, sourceID, kind string, force bool) error {
	now := time.Now()

	ids := s.manager.SourceIDs()
	if sourceID != "" {
		if _, ok := s.manager.Source(sourceID); !ok {
			return fmt.Errorf("ソースが登録されていません: %s", sourceID)
		}
		ids = []string{sourceID}
	}

	for _, id := range ids {
		src, ok := s.manager.Source(id)
		if !ok {
			continue
		}
		cfg := src.Config()

		if !cfg.Enabled && !force {
			s.logger.Info("無効化されたソースのためスキップします",
				slog.String("source_id", id),
			)
			continue
		}
		if s.budgetExhausted(src, now) {
			s.logger.Warn("レート制限バジェットが枯渇しているためスキップします",
				slog.String("source_id", id),
			)
			if s.reporter != nil {
				s.reporter.RecordRateLimitSkip(id)
			}
			continue
		}

		since := cfg.LastSync
		if force {
			since = time.Time{}
		}
		payload := JobPayload{
			SourceID:    id,
			Kind:        kind,
			Force:       force,
			Since:       since,
			TriggeredAt: now,
		}
		if err := s.queue.Enqueue(ctx, kind, payload, JobOptions{
			JobID:       JobID(id, now),
			MaxAttempts: s.MaxAttempts,
			BaseDelay:   s.BaseDelay,
		}); err != nil {
			return fmt.Errorf("同期ジョブの投入に失敗しました: %w", err)
		}
	}

	return nil
}

// budgetHolder はローカルのレート制限バジェットを公開するソース。
type budgetHolder interface {
	Budget() *source.Budget
}

// budgetExhausted はソースのレート制限バジェットが枯渇しているかを判定する。
// ローカルバジェットを公開するソースはそれを直接参照し、
// それ以外はRateLimitStatusの報告値から判定する。
func (s *Scheduler) budgetExhausted(src source.DataSource, now time.Time) bool {
	if h, ok := src.(budgetHolder); ok {
		if b := h.Budget(); b != nil {
			return b.Exhausted()
		}
	}
	state := src.RateLimitStatus()
	if state == nil {
		return false
	}
	return state.Remaining <= 0 && now.Before(state.ResetAt)
}
