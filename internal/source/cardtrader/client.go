// Package cardtrader はOAuth認証付きマーケットプレイスAPIのアダプタを提供する。
// client_credentialsグラントによるトークンライフサイクル、401応答への透過的な
// 再認証、マーケットプレイス価格・購入リンクの正規化を担う。
package cardtrader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hitoshi/cardman/internal/model"
	"github.com/hitoshi/cardman/internal/source"
)

const (
	// defaultBaseURL はマーケットプレイスAPIのベースURL。
	defaultBaseURL = "https://api.cardtrader.com/api/v2"
	// defaultTimeout はAPI呼び出しのタイムアウト。
	defaultTimeout = 30 * time.Second
	// defaultPageSize はプロバイダーのページサイズ上限。
	defaultPageSize = 100
	// rateLimitFallbackDelay はRetry-Afterヘッダーがない場合の待機時間。
	rateLimitFallbackDelay = 5 * time.Second
	// userAgent は全リクエストに付与するUser-Agent。
	userAgent = "Cardman/1.0 Card Aggregator"
)

// defaultRateLimit はプロバイダー既定のレート制限（100回/分）。
var defaultRateLimit = model.RateLimitConfig{Requests: 100, PerSeconds: 60}

// Client はOAuthマーケットプレイスのアダプタ。source.DataSourceを実装する。
type Client struct {
	cfg        model.SourceConfig
	httpClient *http.Client
	logger     *slog.Logger
	budget     *source.Budget
	tokens     *tokenManager
	baseURL    string // テスト用にエンドポイントを差し替え可能
}

// New はClientの新しいインスタンスを生成する。
// 必須認証情報（client_id/client_secret）が欠落している場合は
// 設定エラーを返す。このエラーはアダプタ構築時に致命的であり、
// 呼び出し側はソースを登録せずに起動警告をログに記録して継続する。
func New(cfg model.SourceConfig, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	clientID := cfg.Credentials["client_id"]
	clientSecret := cfg.Credentials["client_secret"]
	if clientID == "" || clientSecret == "" {
		return nil, model.NewSourceError(cfg.ID, model.ErrCategoryConfiguration,
			"client_id/client_secretが設定されていません", nil)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		budget:     source.NewBudget(cfg.RateLimit, defaultRateLimit),
		tokens: newTokenManager(clientID, clientSecret,
			baseURL+"/oauth/token", httpClient, logger),
		baseURL: baseURL,
	}, nil
}

// Config はソース設定を返す。
func (c *Client) Config() model.SourceConfig {
	return c.cfg
}

// Initialize は初回認証を行いトークンを取得する。
func (c *Client) Initialize(ctx context.Context) error {
	if _, err := c.tokens.AccessToken(ctx); err != nil {
		return model.NewSourceError(c.cfg.ID, model.ErrCategoryAuth,
			"初回認証に失敗しました", err)
	}
	return nil
}

// Close は保持中のトークンを破棄する。
func (c *Client) Close() error {
	c.tokens.Invalidate()
	return nil
}

// Fetch はマーケットプレイスの商品検索を行い、結果をFetchResultの形に正規化する。
// プロバイダーはpage/per_pageでページングし、総件数をX-Total-Countヘッダーで返す。
func (c *Client) Fetch(ctx context.Context, opts model.FetchOptions) (*model.FetchResult, error) {
	opts = opts.Normalize()

	perPage := opts.Limit
	if perPage > defaultPageSize {
		perPage = defaultPageSize
	}
	page := opts.Offset/perPage + 1

	params := url.Values{
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(perPage)},
	}
	if opts.Query != "" {
		params.Set("name", opts.Query)
	}
	for _, f := range opts.Filters {
		if f.Operator == model.FilterOpEq {
			params.Set(f.Field, f.Value)
		}
	}

	resp, body, err := c.doAuthorized(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+"/marketplace/products?"+params.Encode(), nil)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryProvider,
			fmt.Sprintf("プロバイダーがステータス %d を返しました", resp.StatusCode), nil)
	}

	var products []productPayload
	if err := json.Unmarshal(body, &products); err != nil {
		return nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryProvider,
			"レスポンスJSONのパースに失敗しました", err)
	}

	total := len(products)
	if v := resp.Header.Get("X-Total-Count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			total = n
		}
	}

	cards := make([]*model.CanonicalCard, 0, len(products))
	for i := range products {
		cards = append(cards, products[i].toCanonical(c.cfg.ID))
	}

	// ページ内でのoffset位置とlimit分の切り出し
	inPage := opts.Offset - (page-1)*perPage
	if inPage < 0 {
		inPage = 0
	}
	if inPage > len(cards) {
		inPage = len(cards)
	}
	window := cards[inPage:]
	if len(window) > opts.Limit {
		window = window[:opts.Limit]
	}

	return &model.FetchResult{
		Data:     window,
		Total:    total,
		HasMore:  model.ComputeHasMore(opts.Offset, len(window), total),
		Limit:    opts.Limit,
		Offset:   opts.Offset,
		SourceID: c.cfg.ID,
	}, nil
}

// FetchByID は指定IDの商品を取得する。404の場合は (nil, nil) を返す。
func (c *Client) FetchByID(ctx context.Context, id string) (*model.CanonicalCard, error) {
	resp, body, err := c.doAuthorized(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+"/marketplace/products/"+url.PathEscape(id), nil)
	})
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, nil
	case http.StatusOK:
		var p productPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryProvider,
				"レスポンスJSONのパースに失敗しました", err)
		}
		return p.toCanonical(c.cfg.ID), nil
	default:
		return nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryProvider,
			fmt.Sprintf("プロバイダーがステータス %d を返しました", resp.StatusCode), nil)
	}
}

// FetchBatch は複数IDをベストエフォートで取得する。
// このプロバイダーはバルクエンドポイントを持たないため1件ずつ取得し、
// 個別の失敗はログに記録して結果から除外する（バッチ全体は失敗しない）。
func (c *Client) FetchBatch(ctx context.Context, ids []string) ([]*model.CanonicalCard, error) {
	cards := make([]*model.CanonicalCard, 0, len(ids))
	for _, id := range ids {
		card, err := c.FetchByID(ctx, id)
		if err != nil {
			c.logger.Warn("バッチ取得で個別の取得に失敗したため除外します",
				slog.String("source_id", c.cfg.ID),
				slog.String("card_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if card == nil {
			continue
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// expansionPayload はエキスパンション一覧のエントリ。
type expansionPayload struct {
	ID   int    `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// FetchSets はマーケットプレイスのエキスパンション一覧を取得する。
func (c *Client) FetchSets(ctx context.Context) ([]*model.CardSet, error) {
	resp, body, err := c.doAuthorized(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+"/expansions", nil)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryProvider,
			fmt.Sprintf("プロバイダーがステータス %d を返しました", resp.StatusCode), nil)
	}

	var expansions []expansionPayload
	if err := json.Unmarshal(body, &expansions); err != nil {
		return nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryProvider,
			"レスポンスJSONのパースに失敗しました", err)
	}

	sets := make([]*model.CardSet, 0, len(expansions))
	for _, e := range expansions {
		sets = append(sets, &model.CardSet{
			Code:     e.Code,
			Name:     e.Name,
			SourceID: c.cfg.ID,
		})
	}
	return sets, nil
}

// SyncRecords はマーケットプレイスの商品をページングしながら全件取得し、
// 生ペイロードのレコードとして返す。sinceが指定された場合は
// updated_sinceパラメータで増分取得する。
func (c *Client) SyncRecords(ctx context.Context, since time.Time) ([]*model.DataRecord, error) {
	return c.syncProducts(ctx, since, "card")
}

// SyncPrices は価格更新同期を行う。source.PriceSyncerを実装する。
// マーケットプレイスの商品ペイロードは常に現在の販売価格を含むため、
// データ同期と同じ走査をType=priceのレコードとして返す。
func (c *Client) SyncPrices(ctx context.Context, since time.Time) ([]*model.DataRecord, error) {
	return c.syncProducts(ctx, since, "price")
}

func (c *Client) syncProducts(ctx context.Context, since time.Time, recordType string) ([]*model.DataRecord, error) {
	var records []*model.DataRecord

	for page := 1; ; page++ {
		params := url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(defaultPageSize)},
		}
		if !since.IsZero() {
			params.Set("updated_since", since.Format(time.RFC3339))
		}

		resp, body, err := c.doAuthorized(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet,
				c.baseURL+"/marketplace/products?"+params.Encode(), nil)
		})
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryProvider,
				fmt.Sprintf("プロバイダーがステータス %d を返しました", resp.StatusCode), nil)
		}

		var raws []json.RawMessage
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryProvider,
				"レスポンスJSONのパースに失敗しました", err)
		}

		now := time.Now()
		for _, raw := range raws {
			var data map[string]any
			if err := json.Unmarshal(raw, &data); err != nil {
				c.logger.Warn("同期ペイロードのデコードに失敗したためスキップします",
					slog.String("source_id", c.cfg.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			records = append(records, &model.DataRecord{
				SourceID:  c.cfg.ID,
				Type:      recordType,
				Data:      data,
				FetchedAt: now,
				Status:    model.RecordStatusPending,
			})
		}

		if len(raws) < defaultPageSize {
			break
		}
	}
	return records, nil
}

// IsAvailable はトークン取得と疎通の可否を返す。
func (c *Client) IsAvailable(ctx context.Context) bool {
	status, err := c.Status(ctx)
	return err == nil && status.State == model.StatusOK
}

// Status はアカウント情報エンドポイントへの疎通で健全性を判定する。
func (c *Client) Status(ctx context.Context) (model.SourceStatus, error) {
	resp, _, err := c.doAuthorized(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/info", nil)
	})
	if err != nil {
		return model.SourceStatus{
			SourceID: c.cfg.ID,
			State:    model.StatusUnavailable,
			Message:  err.Error(),
		}, nil
	}

	state := model.StatusOK
	message := ""
	if resp.StatusCode != http.StatusOK {
		state = model.StatusDegraded
		message = fmt.Sprintf("疎通確認がステータス %d を返しました", resp.StatusCode)
	}

	status := model.SourceStatus{
		SourceID: c.cfg.ID,
		State:    state,
		Message:  message,
		Metrics:  map[string]string{},
	}
	if expiry := c.tokens.Expiry(); !expiry.IsZero() {
		status.Metrics["token_expires_at"] = expiry.Format(time.RFC3339)
	}
	if rl := c.budget.State(); rl != nil {
		status.Metrics["rate_limit_remaining"] = strconv.Itoa(rl.Remaining)
	}
	return status, nil
}

// RateLimitStatus は現在のレート制限状態を返す。
func (c *Client) RateLimitStatus() *model.RateLimitState {
	return c.budget.State()
}

// Budget はレート制限バジェットを返す。スケジューラのスキップ判定に使用する。
func (c *Client) Budget() *source.Budget {
	return c.budget
}
