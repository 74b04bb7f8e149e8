package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/hitoshi/cardman/internal/source"
)

// ジョブ種別。
const (
	// JobKindData はカードデータ同期ジョブ。
	JobKindData = "sync_data"
	// JobKindPrices は価格更新同期ジョブ。
	JobKindPrices = "sync_prices"
)

// JobPayload は同期ジョブのパラメータ。
type JobPayload struct {
	SourceID string
	Kind     string
	// Force がtrueの場合、前回同期時刻を無視して全件同期する。
	Force       bool
	Since       time.Time
	TriggeredAt time.Time
}

// JobOptions はジョブ投入時のオプション。
type JobOptions struct {
	// JobID は重複排除用のジョブ識別子。空の場合は重複排除しない。
	JobID string
	// MaxAttempts は最大試行回数。0以下の場合はデフォルト3回。
	MaxAttempts int
	// BaseDelay は指数バックオフの初回遅延。0以下の場合はデフォルト30秒。
	BaseDelay time.Duration
}

// Queue は同期ジョブ投入のインターフェース。
// キューの永続化方式は実装側の責務であり、呼び出し側は関知しない。
type Queue interface {
	Enqueue(ctx context.Context, jobName string, payload JobPayload, opts JobOptions) error
}

// Handler は同期ジョブの実行関数。
type Handler func(ctx context.Context, payload JobPayload) error

// FailureReporter は恒久的なジョブ失敗を通知するインターフェース。
type FailureReporter interface {
	RecordSyncFailure(sourceID string, reason string)
}

type queuedJob struct {
	name    string
	payload JobPayload
	opts    JobOptions
}

// Executor はインプロセスのジョブキュー実装。
// JobIDによる重複排除と、指数バックオフ付きの再試行を行う。
// 試行回数上限に達したジョブは恒久的失敗として報告される。
type Executor struct {
	handler  Handler
	reporter FailureReporter
	logger   *slog.Logger
	jobs     chan queuedJob
	workers  int

	mu       stdsync.Mutex
	inflight map[string]struct{}
}

// NewExecutor はExecutorの新しいインスタンスを生成する。
// workersが0以下の場合はデフォルト値4を使用する。
func NewExecutor(handler Handler, reporter FailureReporter, logger *slog.Logger, workers int) *Executor {
	if workers <= 0 {
		workers = 4
	}
	return &Executor{
		handler:  handler,
		reporter: reporter,
		logger:   logger,
		jobs:     make(chan queuedJob, 64),
		workers:  workers,
		inflight: make(map[string]struct{}),
	}
}

// Enqueue はジョブをキューに投入する。Queueインターフェースを実装する。
// 同一JobIDのジョブが実行中または待機中の場合は投入をスキップする。
func (e *Executor) Enqueue(ctx context.Context, jobName string, payload JobPayload, opts JobOptions) error {
	if opts.JobID != "" {
		e.mu.Lock()
		if _, ok := e.inflight[opts.JobID]; ok {
			e.mu.Unlock()
			e.logger.Info("重複ジョブのためスキップします",
				slog.String("job_name", jobName),
				slog.String("job_id", opts.JobID),
			)
			return nil
		}
		e.inflight[opts.JobID] = struct{}{}
		e.mu.Unlock()
	}

	job := queuedJob{name: jobName, payload: payload, opts: opts}

	select {
	case e.jobs <- job:
		return nil
	case <-ctx.Done():
		e.release(opts.JobID)
		return ctx.Err()
	default:
		e.release(opts.JobID)
		return fmt.Errorf("ジョブキューが満杯のため投入できません: %s", jobName)
	}
}

// Start はワーカーゴルーチンを起動し、コンテキストのキャンセルまでジョブを処理する。
// 全ワーカーの終了までブロックする。
func (e *Executor) Start(ctx context.Context) {
	e.logger.Info("ジョブエグゼキュータを開始しました",
		slog.Int("workers", e.workers),
	)

	var wg stdsync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-e.jobs:
					e.run(ctx, job)
				}
			}
		}()
	}

	wg.Wait()
	e.logger.Info("ジョブエグゼキュータを停止しました")
}

// run はジョブを実行し、失敗時は指数バックオフで再試行する。
func (e *Executor) run(ctx context.Context, job queuedJob) {
	defer e.release(job.opts.JobID)

	maxAttempts := job.opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	for attempt := 1; ; attempt++ {
		err := e.handler(ctx, job.payload)
		if err == nil {
			return
		}

		if attempt >= maxAttempts {
			e.logger.Error("ジョブが恒久的に失敗しました",
				slog.String("job_name", job.name),
				slog.String("job_id", job.opts.JobID),
				slog.String("source_id", job.payload.SourceID),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			if e.reporter != nil {
				e.reporter.RecordSyncFailure(job.payload.SourceID, "permanent")
			}
			return
		}

		delay := CalculateBackoff(attempt-1, job.opts.BaseDelay)
		e.logger.Warn("ジョブの実行に失敗しました。再試行します",
			slog.String("job_name", job.name),
			slog.String("job_id", job.opts.JobID),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)

		if serr := source.SleepContext(ctx, delay); serr != nil {
			return
		}
	}
}

func (e *Executor) release(jobID string) {
	if jobID == "" {
		return
	}
	e.mu.Lock()
	delete(e.inflight, jobID)
	e.mu.Unlock()
}
