package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// TestMiddlewareChain_SecurityHeadersAndCORS は
// SecurityHeaders -> CORS のチェーンで両方のヘッダーが付与されることを検証する。
func TestMiddlewareChain_SecurityHeadersAndCORS(t *testing.T) {
	secMW := NewSecurityHeadersMiddleware()
	corsMW := NewCORSMiddleware("http://localhost:3000")

	handler := secMW(corsMW(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/cards/search", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", got, "nosniff")
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "http://localhost:3000")
	}
}

// TestMiddlewareChain_RateLimitAfterCORS は
// CORS -> RateLimit のチェーンで制限超過時に429が返ることを検証する。
func TestMiddlewareChain_RateLimitAfterCORS(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     rate.Limit(1),
		GeneralBurst:    1,
		SyncRate:        rate.Limit(1),
		SyncBurst:       1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	corsMW := NewCORSMiddleware("http://localhost:3000")
	handler := corsMW(rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/cards/search", nil)
	req.RemoteAddr = "203.0.113.10:51000"

	// 1回目はバースト内で成功
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req)
	if w1.Result().StatusCode != http.StatusOK {
		t.Errorf("1回目 status = %d, want %d", w1.Result().StatusCode, http.StatusOK)
	}

	// 2回目はバースト超過で429
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req)
	if w2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("2回目 status = %d, want %d", w2.Result().StatusCode, http.StatusTooManyRequests)
	}
	if w2.Result().Header.Get("Access-Control-Allow-Origin") == "" {
		t.Error("429レスポンスにもCORSヘッダーが付与されるべき")
	}
}

// TestMiddlewareChain_RecoveryCatchesPanic は
// Recovery ミドルウェアがチェーン内のpanicを500に変換することを検証する。
func TestMiddlewareChain_RecoveryCatchesPanic(t *testing.T) {
	recMW := NewRecoveryMiddleware()
	secMW := NewSecurityHeadersMiddleware()

	handler := recMW(secMW(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/cards/search", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusInternalServerError)
	}
}
