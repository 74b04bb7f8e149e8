// Package sync はデータソース同期のバックグラウンド処理を提供する。
// スケジューラ、ジョブキュー、同期プロセッサ、リトライ/バックオフ戦略を含む。
package sync

import (
	"fmt"
	"time"
)

const (
	// defaultBaseDelay は指数バックオフの初回遅延（30秒）。
	defaultBaseDelay = 30 * time.Second
	// maxDelay は指数バックオフの最大遅延（15分）。
	maxDelay = 15 * time.Minute
	// defaultMaxAttempts はジョブの最大試行回数。
	defaultMaxAttempts = 3
)

// CalculateBackoff は再試行回数に基づいて指数バックオフ遅延を計算する。
// 初回base、2倍ずつ増加、最大15分。baseが0以下の場合はデフォルト30秒を使用する。
func CalculateBackoff(retries int, base time.Duration) time.Duration {
	if base <= 0 {
		base = defaultBaseDelay
	}
	delay := base
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay > maxDelay {
			return maxDelay
		}
	}
	return delay
}

// JobID はソースIDとトリガー時刻から決定的なジョブIDを生成する。
// 同一ソースの同一トリガーはキュー側で重複排除される。
func JobID(sourceID string, triggeredAt time.Time) string {
	return fmt.Sprintf("%s-%d", sourceID, triggeredAt.Unix())
}
