package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(ip string, method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = ip + ":40000"
	return req
}

// TestRateLimiter_AllowsRequestsWithinLimit はバースト内のリクエストが通ることを検証する。
func TestRateLimiter_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     rate.Limit(1), // 1 req/sec
		GeneralBurst:    3,             // バースト3
		SyncRate:        1,
		SyncBurst:       10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("203.0.113.1", http.MethodGet, "/cards/search"))
		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i+1, w.Result().StatusCode, http.StatusOK)
		}
	}
}

// TestRateLimiter_Returns429WhenLimitExceeded はバースト超過で429が返ることを検証する。
func TestRateLimiter_Returns429WhenLimitExceeded(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     rate.Limit(0.01), // ほぼ補充されない
		GeneralBurst:    1,
		SyncRate:        1,
		SyncBurst:       10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, requestFrom("203.0.113.2", http.MethodGet, "/cards/search"))
	if w1.Result().StatusCode != http.StatusOK {
		t.Fatalf("1回目 status = %d, want %d", w1.Result().StatusCode, http.StatusOK)
	}

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, requestFrom("203.0.113.2", http.MethodGet, "/cards/search"))
	resp := w2.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("2回目 status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}

	// Retry-Afterヘッダーの検証
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		t.Fatal("Retry-After ヘッダーがない")
	}
	if sec, err := strconv.Atoi(retryAfter); err != nil || sec < 1 {
		t.Errorf("Retry-After = %q, want 正の整数秒", retryAfter)
	}

	// 統一エラーフォーマットの検証
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["code"] != "rate_limit_exceeded" {
		t.Errorf("code = %q, want %q", body["code"], "rate_limit_exceeded")
	}
}

// TestRateLimiter_IndependentPerClientIP はクライアントIPごとに独立して制限されることを検証する。
func TestRateLimiter_IndependentPerClientIP(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     rate.Limit(0.01),
		GeneralBurst:    1,
		SyncRate:        1,
		SyncBurst:       10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// IP Aがバーストを使い切る
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, requestFrom("203.0.113.3", http.MethodGet, "/cards/search"))
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, requestFrom("203.0.113.3", http.MethodGet, "/cards/search"))
	if w2.Result().StatusCode != http.StatusTooManyRequests {
		t.Fatalf("IP Aの2回目 status = %d, want 429", w2.Result().StatusCode)
	}

	// IP Bは影響を受けない
	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, requestFrom("203.0.113.4", http.MethodGet, "/cards/search"))
	if w3.Result().StatusCode != http.StatusOK {
		t.Errorf("IP Bの1回目 status = %d, want %d", w3.Result().StatusCode, http.StatusOK)
	}
}

// TestRateLimiter_SyncTriggerIndependentFromGeneral は同期トリガー制限が
// API全般制限と独立していることを検証する。
func TestRateLimiter_SyncTriggerIndependentFromGeneral(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     rate.Limit(100),
		GeneralBurst:    100,
		SyncRate:        rate.Limit(0.01),
		SyncBurst:       1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	generalHandler := rl.GeneralMiddleware()(okHandler())
	syncHandler := rl.SyncTriggerMiddleware()(okHandler())

	// 同期トリガーのバーストを使い切る
	w1 := httptest.NewRecorder()
	syncHandler.ServeHTTP(w1, requestFrom("203.0.113.5", http.MethodPost, "/sync/data"))
	w2 := httptest.NewRecorder()
	syncHandler.ServeHTTP(w2, requestFrom("203.0.113.5", http.MethodPost, "/sync/data"))
	if w2.Result().StatusCode != http.StatusTooManyRequests {
		t.Fatalf("同期トリガー2回目 status = %d, want 429", w2.Result().StatusCode)
	}

	// API全般は引き続き通る
	w3 := httptest.NewRecorder()
	generalHandler.ServeHTTP(w3, requestFrom("203.0.113.5", http.MethodGet, "/cards/search"))
	if w3.Result().StatusCode != http.StatusOK {
		t.Errorf("API全般 status = %d, want %d", w3.Result().StatusCode, http.StatusOK)
	}
}

// TestRateLimiter_TracksLimiterCount はリミッターのエントリ数が管理されることを検証する。
func TestRateLimiter_TracksLimiterCount(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for _, ip := range []string{"203.0.113.10", "203.0.113.11", "203.0.113.12"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom(ip, http.MethodGet, "/cards/search"))
	}

	if got := rl.GeneralLimiterCount(); got != 3 {
		t.Errorf("GeneralLimiterCount = %d, want 3", got)
	}
	if got := rl.SyncLimiterCount(); got != 0 {
		t.Errorf("SyncLimiterCount = %d, want 0", got)
	}
}

// TestRateLimiter_CleanupRemovesStaleEntries は期限切れエントリがクリーンアップされることを検証する。
func TestRateLimiter_CleanupRemovesStaleEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     rate.Limit(1),
		GeneralBurst:    1,
		SyncRate:        1,
		SyncBurst:       1,
		CleanupInterval: 10 * time.Millisecond,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("203.0.113.20", http.MethodGet, "/cards/search"))

	if got := rl.GeneralLimiterCount(); got != 1 {
		t.Fatalf("GeneralLimiterCount = %d, want 1", got)
	}

	// TTL（CleanupInterval * 2）経過後にクリーンアップされるのを待つ
	deadline := time.Now().Add(2 * time.Second)
	for rl.GeneralLimiterCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("期限切れエントリがクリーンアップされなかった")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestClientIP_UsesXForwardedFor はX-Forwarded-Forの先頭エントリが使われることを検証する。
func TestClientIP_UsesXForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/cards/search", nil)
	req.RemoteAddr = "10.0.0.1:40000"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")

	if got := ClientIP(req); got != "198.51.100.7" {
		t.Errorf("ClientIP = %q, want %q", got, "198.51.100.7")
	}
}

// TestClientIP_FallsBackToRemoteAddr はXFFがない場合にRemoteAddrが使われることを検証する。
func TestClientIP_FallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/cards/search", nil)
	req.RemoteAddr = "198.51.100.8:40000"

	if got := ClientIP(req); got != "198.51.100.8" {
		t.Errorf("ClientIP = %q, want %q", got, "198.51.100.8")
	}
}
