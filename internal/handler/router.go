package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/cardman/internal/metrics"
	"github.com/hitoshi/cardman/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// カード検索・参照
	Manager   SourceManagerInterface
	CardStore CardStore
	// PriceSource は価格参照でsource未指定時に優先するソースID。
	PriceSource string

	// 同期トリガー
	SyncTrigger SyncTriggerInterface

	// ソース健全性
	StatusService SourceStatusInterface

	// メトリクス公開
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
// /sync/* には汎用レート制限に加えてトリガー専用レート制限を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	cardHandler := NewCardHandler(deps.Manager, deps.CardStore, deps.PriceSource)
	syncHandler := NewSyncHandler(deps.SyncTrigger, deps.Manager)
	statusHandler := NewStatusHandler(deps.StatusService)

	// --- レート制限の外のルート ---

	r.Get("/health", statusHandler.Health)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 汎用レート制限の対象ルート ---

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/cards", func(r chi.Router) {
			r.Get("/search", cardHandler.SearchCards)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cardHandler.GetCard)
				r.Get("/price", cardHandler.GetCardPrice)
			})
		})

		r.Get("/sets", cardHandler.ListSets)
		r.Get("/sources/status", statusHandler.GetSourcesStatus)

		// 手動同期トリガー（トリガー専用レート制限を追加）
		r.Route("/sync", func(r chi.Router) {
			r.Use(deps.RateLimiter.SyncTriggerMiddleware())
			r.Post("/data", syncHandler.TriggerDataSync)
			r.Post("/prices", syncHandler.TriggerPriceSync)
		})
	})

	return r
}
