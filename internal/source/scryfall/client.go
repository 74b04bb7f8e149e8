// Package scryfall はRESTカードデータベースプロバイダーのアダプタを提供する。
// 認証不要のJSON APIで、ページング検索とネイティブの一括取得エンドポイントを持つ。
package scryfall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hitoshi/cardman/internal/model"
	"github.com/hitoshi/cardman/internal/source"
)

const (
	// defaultBaseURL はAPIのベースURL。
	defaultBaseURL = "https://api.scryfall.com"
	// defaultTimeout はAPI呼び出しのタイムアウト。
	defaultTimeout = 30 * time.Second
	// pageSize はプロバイダーの固定ページサイズ。
	pageSize = 175
	// maxCollectionIdentifiers は一括取得エンドポイントの最大識別子数。
	maxCollectionIdentifiers = 75
	// rateLimitFallbackDelay はRetry-Afterヘッダーがない場合の待機時間。
	rateLimitFallbackDelay = 2 * time.Second
)

// defaultRateLimit はプロバイダー既定のレート制限（10 req/s）。
var defaultRateLimit = model.RateLimitConfig{Requests: 10, PerSeconds: 1}

// Client はRESTカードデータベースのアダプタ。source.DataSourceを実装する。
type Client struct {
	cfg        model.SourceConfig
	httpClient *http.Client
	logger     *slog.Logger
	budget     *source.Budget
	baseURL    string // テスト用にエンドポイントを差し替え可能
}

// New はClientの新しいインスタンスを生成する。
func New(cfg model.SourceConfig, httpClient *http.Client, logger *slog.Logger) *Client {
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
		baseURL:    baseURL,
	}
}

// Config はソース設定を返す。
func (c *Client) Config() model.SourceConfig {
	return c.cfg
}

// Initialize は疎通確認を行う。
func (c *Client) Initialize(ctx context.Context) error {
	if !c.IsAvailable(ctx) {
		return model.NewSourceError(c.cfg.ID, model.ErrCategoryNetwork,
			"初期化時の疎通確認に失敗しました", nil)
	}
	return nil
}

// Close はアダプタのリソースを解放する。保持する接続はないため何もしない。
func (c *Client) Close() error {
	return nil
}

// listPayload は検索エンドポイントのレスポンス。
type listPayload struct {
	Object     string            `json:"object"`
	TotalCards int               `json:"total_cards"`
	HasMore    bool              `json:"has_more"`
	Data       []json.RawMessage `json:"data"`
	Warnings   []string          `json:"warnings"`
}

// errorPayload はエラーレスポンス。
type errorPayload struct {
	Object string `json:"object"`
	Code   string `json:"code"`
	Status int    `json:"status"`
	Detail string `json:"details"`
}

// Fetch は検索オプションに従ってカードを検索する。
// プロバイダーは1始まりのpageパラメータでページングするため、
// offsetをページ番号に変換し、結果をFetchResultの形に正規化する。
func (c *Client) Fetch(ctx context.Context, opts model.FetchOptions) (*model.FetchResult, error) {
	opts = opts.Normalize()

	q := buildQuery(opts)
	page := opts.Offset/pageSize + 1

	params := url.Values{
		"q":    {q},
		"page": {strconv.Itoa(page)},
	}
	if opts.Sort != nil {
		params.Set("order", opts.Sort.Field)
		if opts.Sort.Desc {
			params.Set("dir", "desc")
		}
	}

	var payload listPayload
	if err := c.doJSON(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+"/cards/search?"+params.Encode(), nil)
	}, &payload); err != nil {
		return nil, err
	}

	cards := c.decodeCards(payload.Data)

	// ページ内でのoffset位置とlimit分の切り出し
	inPage := opts.Offset - (page-1)*pageSize
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

	result := &model.FetchResult{
		Data:     window,
		Total:    payload.TotalCards,
		HasMore:  model.ComputeHasMore(opts.Offset, len(window), payload.TotalCards),
		Limit:    opts.Limit,
		Offset:   opts.Offset,
		SourceID: c.cfg.ID,
	}
	if len(payload.Warnings) > 0 {
		result.Metadata = map[string]string{"warnings": payload.Warnings[0]}
	}
	return result, nil
}

// FetchByID は指定IDのカードを取得する。
// プロバイダーがnot_foundを報告した場合は (nil, nil) を返す。
func (c *Client) FetchByID(ctx context.Context, id string) (*model.CanonicalCard, error) {
	var raw cardPayload
	err := c.doJSON(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+"/cards/"+url.PathEscape(id), nil)
	}, &raw)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return raw.toCanonical(c.cfg.ID), nil
}

// collectionRequest は一括取得エンドポイントのリクエストボディ。
type collectionRequest struct {
	Identifiers []map[string]string `json:"identifiers"`
}

// collectionPayload は一括取得エンドポイントのレスポンス。
type collectionPayload struct {
	Data     []json.RawMessage   `json:"data"`
	NotFound []map[string]string `json:"not_found"`
}

// FetchBatch は複数IDのカードをネイティブの一括取得エンドポイントで取得する。
// プロバイダーがバルクエンドポイントをサポートするため、
// バルク呼び出しの失敗は単一の集約エラーとなる。
// レスポンスのnot_foundに含まれるIDは結果から除外される（nilプレースホルダーは生成しない）。
func (c *Client) FetchBatch(ctx context.Context, ids []string) ([]*model.CanonicalCard, error) {
	if len(ids) == 0 {
		return []*model.CanonicalCard{}, nil
	}

	var all []*model.CanonicalCard
	for i := 0; i < len(ids); i += maxCollectionIdentifiers {
		end := i + maxCollectionIdentifiers
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		identifiers := make([]map[string]string, 0, len(chunk))
		for _, id := range chunk {
			identifiers = append(identifiers, map[string]string{"id": id})
		}
		body, err := json.Marshal(collectionRequest{Identifiers: identifiers})
		if err != nil {
			return nil, fmt.Errorf("一括取得リクエストの生成に失敗しました: %w", err)
		}

		var payload collectionPayload
		if err := c.doJSON(ctx, func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				c.baseURL+"/cards/collection", bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		}, &payload); err != nil {
			return nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryProvider,
				"一括取得に失敗しました", err)
		}

		if len(payload.NotFound) > 0 {
			c.logger.Info("一括取得で見つからなかった識別子があります",
				slog.String("source_id", c.cfg.ID),
				slog.Int("not_found", len(payload.NotFound)),
			)
		}
		all = append(all, c.decodeCards(payload.Data)...)
	}
	return all, nil
}

// setsPayload はセット一覧エンドポイントのレスポンス。
type setsPayload struct {
	Data []setPayload `json:"data"`
}

// FetchSets はプロバイダーの提供するセット一覧を取得する。
func (c *Client) FetchSets(ctx context.Context) ([]*model.CardSet, error) {
	var payload setsPayload
	if err := c.doJSON(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sets", nil)
	}, &payload); err != nil {
		return nil, err
	}

	sets := make([]*model.CardSet, 0, len(payload.Data))
	for _, s := range payload.Data {
		sets = append(sets, s.toCardSet(c.cfg.ID))
	}
	return sets, nil
}

// SyncRecords は同期用に生ペイロードのレコードを取得する。
// 検索APIをページングしながら全件を取り出し、プロバイダーの
// フィールド名のままDataRecordに包んで返す。
func (c *Client) SyncRecords(ctx context.Context, since time.Time) ([]*model.DataRecord, error) {
	q := "year>=1993" // 全カードにマッチする安定クエリ
	if !since.IsZero() {
		q = fmt.Sprintf("date>=%s", since.Format("2006-01-02"))
	}

	var records []*model.DataRecord
	for page := 1; ; page++ {
		params := url.Values{
			"q":    {q},
			"page": {strconv.Itoa(page)},
		}
		var payload listPayload
		if err := c.doJSON(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet,
				c.baseURL+"/cards/search?"+params.Encode(), nil)
		}, &payload); err != nil {
			if isNotFound(err) {
				// 0件ヒットはnot_foundとして返るプロバイダー仕様
				break
			}
			return nil, err
		}

		now := time.Now()
		for _, raw := range payload.Data {
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
				Type:      "card",
				Data:      data,
				FetchedAt: now,
				Status:    model.RecordStatusPending,
			})
		}

		if !payload.HasMore {
			break
		}
	}
	return records, nil
}

// IsAvailable はソースが現在利用可能かを返す。
func (c *Client) IsAvailable(ctx context.Context) bool {
	status, err := c.Status(ctx)
	return err == nil && status.State == model.StatusOK
}

// Status は軽量なカタログエンドポイントへの疎通で健全性を判定する。
func (c *Client) Status(ctx context.Context) (model.SourceStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/catalog/land-types", nil)
	if err != nil {
		return model.SourceStatus{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.SourceStatus{
			SourceID: c.cfg.ID,
			State:    model.StatusUnavailable,
			Message:  err.Error(),
		}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

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
	}
	if rl := c.budget.State(); rl != nil {
		status.Metrics = map[string]string{
			"rate_limit_remaining": strconv.Itoa(rl.Remaining),
		}
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

const userAgent = "Cardman/1.0 Card Aggregator"

// doJSON はレート制限を守りながらリクエストを発行し、JSONレスポンスをデコードする。
// 429相当のレスポンスにはRetry-Afterの指定時間だけ待機して1回だけ再試行する。
// newReqは再試行時にリクエストボディを再生成するために関数として受け取る。
func (c *Client) doJSON(ctx context.Context, newReq func() (*http.Request, error), out any) error {
	retried := false
	for {
		if err := c.budget.Wait(ctx); err != nil {
			return err
		}

		req, err := newReq()
		if err != nil {
			return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return model.NewSourceError(c.cfg.ID, model.ErrCategoryNetwork,
				"HTTPリクエストに失敗しました", err)
		}

		c.budget.ObserveHeaders(resp.Header)

		if resp.StatusCode == http.StatusTooManyRequests && !retried {
			delay := source.RetryAfterDelay(resp, rateLimitFallbackDelay)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.logger.Warn("レート制限応答を受信したため待機して再試行します",
				slog.String("source_id", c.cfg.ID),
				slog.Duration("delay", delay),
			)
			if err := source.SleepContext(ctx, delay); err != nil {
				return err
			}
			retried = true
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return model.NewSourceError(c.cfg.ID, model.ErrCategoryNetwork,
				"レスポンスボディの読み取りに失敗しました", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.Unmarshal(body, out); err != nil {
				return model.NewSourceError(c.cfg.ID, model.ErrCategoryProvider,
					"レスポンスJSONのパースに失敗しました", err)
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			var ep errorPayload
			_ = json.Unmarshal(body, &ep)
			return &notFoundError{sourceID: c.cfg.ID, detail: ep.Detail}
		case resp.StatusCode == http.StatusTooManyRequests:
			return model.NewSourceError(c.cfg.ID, model.ErrCategoryRateLimit,
				"再試行後もレート制限が継続しています", nil)
		default:
			return model.NewSourceError(c.cfg.ID, model.ErrCategoryProvider,
				fmt.Sprintf("プロバイダーがステータス %d を返しました", resp.StatusCode), nil)
		}
	}
}

// notFoundError はプロバイダーの404応答を表す内部エラー。
// FetchByIDで (nil, nil) に変換されるため呼び出し元には露出しない。
type notFoundError struct {
	sourceID string
	detail   string
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("[%s] not found: %s", e.sourceID, e.detail)
}

// isNotFound はエラーがプロバイダーのnot_found応答かを判定する。
func isNotFound(err error) bool {
	var nf *notFoundError
	return errors.As(err, &nf)
}

// decodeCards は生のJSON配列をCanonicalCardに変換する。
// デコードに失敗した要素はログに記録して除外する。
func (c *Client) decodeCards(raws []json.RawMessage) []*model.CanonicalCard {
	cards := make([]*model.CanonicalCard, 0, len(raws))
	for _, raw := range raws {
		var p cardPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			c.logger.Warn("カードペイロードのデコードに失敗したためスキップします",
				slog.String("source_id", c.cfg.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		cards = append(cards, p.toCanonical(c.cfg.ID))
	}
	return cards
}

// buildQuery は検索オプションをプロバイダーのクエリ構文に変換する。
func buildQuery(opts model.FetchOptions) string {
	q := opts.Query
	for _, f := range opts.Filters {
		switch f.Operator {
		case model.FilterOpEq:
			q += fmt.Sprintf(" %s:%s", f.Field, f.Value)
		case model.FilterOpContains:
			q += fmt.Sprintf(" %s:*%s*", f.Field, f.Value)
		case model.FilterOpGte:
			q += fmt.Sprintf(" %s>=%s", f.Field, f.Value)
		case model.FilterOpLte:
			q += fmt.Sprintf(" %s<=%s", f.Field, f.Value)
		}
	}
	return q
}
