// Package app はアプリケーションの起動とワイヤリングを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/cardman/internal/config"
	"github.com/hitoshi/cardman/internal/database"
	"github.com/hitoshi/cardman/internal/handler"
	"github.com/hitoshi/cardman/internal/logger"
	"github.com/hitoshi/cardman/internal/metrics"
	"github.com/hitoshi/cardman/internal/middleware"
	"github.com/hitoshi/cardman/internal/model"
	"github.com/hitoshi/cardman/internal/pipeline"
	"github.com/hitoshi/cardman/internal/repository"
	"github.com/hitoshi/cardman/internal/security"
	"github.com/hitoshi/cardman/internal/source"
	"github.com/hitoshi/cardman/internal/source/cardtrader"
	"github.com/hitoshi/cardman/internal/source/mtgjson"
	"github.com/hitoshi/cardman/internal/source/scryfall"
	syncworker "github.com/hitoshi/cardman/internal/worker/sync"
)

// ソースID。設定・フィールドマップ・価格参照のデフォルトで共有する。
const (
	sourceIDScryfall   = "scryfall"
	sourceIDMTGJSON    = "mtgjson"
	sourceIDCardTrader = "cardtrader"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("default_source", cfg.DefaultSource),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// buildManager は設定に基づいて全アダプタを構築しマネージャーに登録する。
// マーケットプレイスアダプタは認証情報欠落時に構築エラーを返すため、
// その場合は起動警告をログに記録してソースを登録せずに継続する。
func buildManager(cfg *config.Config, apiClient, bulkClient *http.Client) (*source.Manager, error) {
	mgr := source.NewManager(slog.Default())

	if cfg.ScryfallEnabled {
		c := scryfall.New(model.SourceConfig{
			ID:           sourceIDScryfall,
			Name:         "Scryfall",
			Type:         model.SourceTypeAPI,
			Enabled:      true,
			Priority:     1,
			BaseURL:      cfg.ScryfallBaseURL,
			SyncInterval: cfg.ScryfallSyncInterval,
		}, apiClient, slog.Default())
		if err := mgr.RegisterSource(c, cfg.DefaultSource == sourceIDScryfall); err != nil {
			return nil, fmt.Errorf("failed to register source %s: %w", sourceIDScryfall, err)
		}
	}

	if cfg.MTGJSONEnabled {
		c := mtgjson.New(model.SourceConfig{
			ID:           sourceIDMTGJSON,
			Name:         "MTGJSON",
			Type:         model.SourceTypeFeed,
			Enabled:      true,
			Priority:     2,
			BaseURL:      cfg.MTGJSONBaseURL,
			SyncInterval: cfg.MTGJSONSyncInterval,
		}, bulkClient, slog.Default())
		if err := mgr.RegisterSource(c, cfg.DefaultSource == sourceIDMTGJSON); err != nil {
			return nil, fmt.Errorf("failed to register source %s: %w", sourceIDMTGJSON, err)
		}
	}

	if cfg.CardTraderEnabled {
		c, err := cardtrader.New(model.SourceConfig{
			ID:       sourceIDCardTrader,
			Name:     "CardTrader",
			Type:     model.SourceTypeAPI,
			Enabled:  true,
			Priority: 3,
			BaseURL:  cfg.CardTraderBaseURL,
			Credentials: map[string]string{
				"client_id":     cfg.CardTraderClientID,
				"client_secret": cfg.CardTraderClientSecret,
			},
			SyncInterval: cfg.CardTraderSyncInterval,
		}, apiClient, slog.Default())
		if err != nil {
			slog.Warn("マーケットプレイスソースの構築に失敗したため登録をスキップします",
				slog.String("source_id", sourceIDCardTrader),
				slog.String("error", err.Error()),
			)
		} else if err := mgr.RegisterSource(c, cfg.DefaultSource == sourceIDCardTrader); err != nil {
			return nil, fmt.Errorf("failed to register source %s: %w", sourceIDCardTrader, err)
		}
	}

	return mgr, nil
}

// buildPipeline はサニタイズ・SSRFガード・フィールドマップを配線した
// 正規化パイプラインを構築する。
func buildPipeline(ssrfGuard pipeline.URLValidator) *pipeline.Pipeline {
	sanitizer := security.NewTextSanitizer()
	pipe := pipeline.New(slog.Default(), sanitizer.Strip, ssrfGuard)
	pipe.RegisterFieldMap(sourceIDScryfall, scryfall.FieldMap)
	pipe.RegisterFieldMap(sourceIDMTGJSON, mtgjson.FieldMap)
	pipe.RegisterFieldMap(sourceIDCardTrader, cardtrader.FieldMap)
	return pipe
}

// rateLimiterConfig はAPIレート制限設定を組み立てる（req/min -> req/sec に変換）。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rlCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	return rlCfg
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// 手動同期トリガーのためのジョブエグゼキュータもバックグラウンドで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	cardRepo := repository.NewPostgresCardRepo(db)
	recordRepo := repository.NewPostgresRecordRepo(db)

	// 3. セキュリティサービスとソースマネージャーの初期化
	// アダプタの外向きHTTPはすべてSSRFガード付きクライアントを経由する
	ssrfGuard := security.NewSSRFGuard()
	apiClient := ssrfGuard.NewSafeClient(cfg.FetchTimeout, cfg.FetchMaxSize)
	bulkClient := ssrfGuard.NewSafeClient(cfg.BulkTimeout, cfg.FetchMaxSize)

	mgr, err := buildManager(cfg, apiClient, bulkClient)
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初期化の失敗は個別ソースの劣化として扱い、起動は継続する
	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := mgr.Initialize(initCtx); err != nil {
		slog.Warn("ソースマネージャーの初期化で警告が発生しました",
			slog.String("error", err.Error()),
		)
	}
	initCancel()

	// 4. パイプライン・メトリクス・同期ワーカーの初期化
	pipe := buildPipeline(ssrfGuard)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	processor := syncworker.NewProcessor(mgr, pipe, cardRepo, recordRepo, collector, slog.Default())
	executor := syncworker.NewExecutor(processor.HandleJob, collector, slog.Default(), cfg.SyncWorkers)
	scheduler := syncworker.NewScheduler(mgr, executor, collector, slog.Default())
	scheduler.MaxAttempts = cfg.SyncMaxAttempts
	scheduler.BaseDelay = cfg.SyncBaseDelay

	executorDone := make(chan struct{})
	go func() {
		defer close(executorDone)
		executor.Start(ctx)
	}()

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		Manager:     mgr,
		CardStore:   cardRepo,
		PriceSource: sourceIDCardTrader,

		SyncTrigger:   scheduler,
		StatusService: mgr,

		Gatherer: registry,
	}

	router := handler.NewRouter(deps)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	cancel()
	<-executorDone

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、同期スケジューラとジョブエグゼキュータを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	cardRepo := repository.NewPostgresCardRepo(db)
	recordRepo := repository.NewPostgresRecordRepo(db)

	// 3. セキュリティサービスとソースマネージャーの初期化
	ssrfGuard := security.NewSSRFGuard()
	apiClient := ssrfGuard.NewSafeClient(cfg.FetchTimeout, cfg.FetchMaxSize)
	bulkClient := ssrfGuard.NewSafeClient(cfg.BulkTimeout, cfg.FetchMaxSize)

	mgr, err := buildManager(cfg, apiClient, bulkClient)
	if err != nil {
		return err
	}
	defer mgr.Close()

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := mgr.Initialize(initCtx); err != nil {
		slog.Warn("ソースマネージャーの初期化で警告が発生しました",
			slog.String("error", err.Error()),
		)
	}
	initCancel()

	// 4. パイプライン・メトリクス・同期ワーカーの初期化
	pipe := buildPipeline(ssrfGuard)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	processor := syncworker.NewProcessor(mgr, pipe, cardRepo, recordRepo, collector, slog.Default())
	executor := syncworker.NewExecutor(processor.HandleJob, collector, slog.Default(), cfg.SyncWorkers)
	scheduler := syncworker.NewScheduler(mgr, executor, collector, slog.Default())
	scheduler.MaxAttempts = cfg.SyncMaxAttempts
	scheduler.BaseDelay = cfg.SyncBaseDelay

	slog.Info("worker starting",
		slog.Duration("tick_interval", cfg.SyncTickInterval),
		slog.Int("workers", cfg.SyncWorkers),
	)

	// ジョブエグゼキュータをバックグラウンドで起動
	executorDone := make(chan struct{})
	go func() {
		defer close(executorDone)
		executor.Start(ctx)
	}()

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SyncTickInterval)

	<-executorDone
	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
