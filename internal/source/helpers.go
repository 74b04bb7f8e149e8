package source

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/cardman/internal/model"
)

// Budget はソースごとのレート制限バジェットを管理する。
// x/time/rateのトークンバケットでリクエスト発行前の同期的な遅延を行い、
// プロバイダーのレスポンスヘッダーが利用可能な場合は報告用の状態を
// そこから更新する。ヘッダーがない場合は設定されたバジェットから導出する。
type Budget struct {
	limiter    *rate.Limiter
	perSeconds int

	mu        sync.Mutex
	remaining int
	limit     int
	resetAt   time.Time
}

// NewBudget はレート制限バジェットを生成する。
// cfgがnilの場合はfallbackを使用する。requests/perSecondsのいずれかが
// 0以下の場合は制限なしのバジェットを返す。
func NewBudget(cfg *model.RateLimitConfig, fallback model.RateLimitConfig) *Budget {
	c := fallback
	if cfg != nil {
		c = *cfg
	}
	b := &Budget{}
	if c.Requests <= 0 || c.PerSeconds <= 0 {
		return b
	}
	b.limiter = rate.NewLimiter(rate.Limit(float64(c.Requests)/float64(c.PerSeconds)), c.Requests)
	b.perSeconds = c.PerSeconds
	b.limit = c.Requests
	b.remaining = c.Requests
	b.resetAt = time.Now().Add(time.Duration(c.PerSeconds) * time.Second)
	return b
}

// Wait はバジェットに空きができるまでブロックする。
// コンテキストのキャンセルで待機は中断される。
func (b *Budget) Wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if now.After(b.resetAt) {
		b.remaining = b.limit
		b.resetAt = now.Add(time.Duration(b.perSeconds) * time.Second)
	}
	if b.remaining > 0 {
		b.remaining--
	}
	return nil
}

// Exhausted はバジェットの残量が0かを返す。
// スケジューラがティック時の同期スキップ判定に使用する。
func (b *Budget) Exhausted() bool {
	if b.limiter == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Now().After(b.resetAt) {
		return false
	}
	return b.remaining <= 0
}

// ObserveHeaders はプロバイダーのレスポンスヘッダーから
// レート制限状態を更新する。ヘッダーがない場合は何もしない。
func (b *Budget) ObserveHeaders(h http.Header) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			b.remaining = n
		}
	}
	if v := h.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			b.limit = n
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			b.resetAt = time.Unix(sec, 0)
		}
	}
}

// State は報告用のレート制限状態を返す。制限なしの場合はnilを返す。
func (b *Budget) State() *model.RateLimitState {
	if b.limiter == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return &model.RateLimitState{
		Remaining: b.remaining,
		Limit:     b.limit,
		ResetAt:   b.resetAt,
	}
}

// RetryAfterDelay はレスポンスのRetry-Afterヘッダーから待機時間を決定する。
// 秒数形式とHTTP日付形式の両方に対応し、パースできない場合はfallbackを返す。
func RetryAfterDelay(resp *http.Response, fallback time.Duration) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return fallback
	}
	if sec, err := strconv.Atoi(v); err == nil && sec >= 0 {
		return time.Duration(sec) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return fallback
}

// SleepContext はコンテキストのキャンセルを尊重しつつ指定時間待機する。
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// IsRetryableStatus はHTTPステータスコードが再試行可能（429/5xx）かを返す。
func IsRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}
