// Package mtgjson はバルクJSON配信型プロバイダーのアダプタを提供する。
// 認証不要で、セット単位のバルクJSONをダウンロードしてメモリ上の
// スナップショットを構築する。個別取得系の操作はスナップショットから応答する。
package mtgjson

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/cardman/internal/model"
	"github.com/hitoshi/cardman/internal/source"
)

const (
	// defaultBaseURL は配信サービスのベースURL。
	defaultBaseURL = "https://mtgjson.com/api/v5"
	// bulkTimeout はバルクダウンロードのタイムアウト。
	// 通常のAPI呼び出しより長く取る。
	bulkTimeout = 60 * time.Second
)

// defaultRateLimit はダウンロード頻度の既定バジェット（30回/分）。
var defaultRateLimit = model.RateLimitConfig{Requests: 30, PerSeconds: 60}

// Client はバルクJSON配信のアダプタ。source.DataSourceを実装する。
type Client struct {
	cfg        model.SourceConfig
	httpClient *http.Client
	logger     *slog.Logger
	budget     *source.Budget
	baseURL    string // テスト用にエンドポイントを差し替え可能

	// snapshot は直近のバルクダウンロードから構築したカードインデックス。
	// FetchByID/FetchBatch/Fetchはこのスナップショットから応答する。
	mu       sync.RWMutex
	snapshot map[string]*model.CanonicalCard
	order    []string // スナップショットの安定した列挙順
	version  string
}

// New はClientの新しいインスタンスを生成する。
// httpClientにはバルクダウンロード向けの長いタイムアウトを持つ
// クライアントを渡すこと（nilの場合は既定の60秒クライアントを使用）。
func New(cfg model.SourceConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: bulkTimeout}
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
		snapshot:   make(map[string]*model.CanonicalCard),
	}
}

// Config はソース設定を返す。
func (c *Client) Config() model.SourceConfig {
	return c.cfg
}

// metaPayload はMeta.jsonのレスポンス。
type metaPayload struct {
	Meta struct {
		Version string `json:"version"`
		Date    string `json:"date"`
	} `json:"meta"`
}

// Initialize は配信メタデータを取得してバージョンを記録する。
func (c *Client) Initialize(ctx context.Context) error {
	var meta metaPayload
	if err := c.getJSON(ctx, "/Meta.json", &meta); err != nil {
		return model.NewSourceError(c.cfg.ID, model.ErrCategoryNetwork,
			"配信メタデータの取得に失敗しました", err)
	}
	c.mu.Lock()
	c.version = meta.Meta.Version
	c.mu.Unlock()

	c.logger.Info("バルク配信メタデータを取得しました",
		slog.String("source_id", c.cfg.ID),
		slog.String("version", meta.Meta.Version),
		slog.String("date", meta.Meta.Date),
	)
	return nil
}

// Close はスナップショットを解放する。
func (c *Client) Close() error {
	c.mu.Lock()
	c.snapshot = make(map[string]*model.CanonicalCard)
	c.order = nil
	c.mu.Unlock()
	return nil
}

// Fetch はスナップショットに対してクエリとフィルタを適用し、
// ページングした結果をFetchResultの形で返す。
// スナップショットが未構築の場合は空の結果に警告メタデータを付けて返す。
func (c *Client) Fetch(ctx context.Context, opts model.FetchOptions) (*model.FetchResult, error) {
	opts = opts.Normalize()

	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.snapshot) == 0 {
		return &model.FetchResult{
			Data:     []*model.CanonicalCard{},
			Limit:    opts.Limit,
			Offset:   opts.Offset,
			SourceID: c.cfg.ID,
			Metadata: map[string]string{
				"warnings": "スナップショット未構築のため結果は空です（同期を実行してください）",
			},
		}, nil
	}

	var matched []*model.CanonicalCard
	for _, id := range c.order {
		card := c.snapshot[id]
		if matches(card, opts) {
			matched = append(matched, card)
		}
	}

	total := len(matched)
	start := opts.Offset
	if start > total {
		start = total
	}
	end := start + opts.Limit
	if end > total {
		end = total
	}
	window := matched[start:end]

	return &model.FetchResult{
		Data:     window,
		Total:    total,
		HasMore:  model.ComputeHasMore(opts.Offset, len(window), total),
		Limit:    opts.Limit,
		Offset:   opts.Offset,
		SourceID: c.cfg.ID,
	}, nil
}

// FetchByID はスナップショットから指定IDのカードを返す。
// スナップショットに存在しない場合は (nil, nil) を返す。
func (c *Client) FetchByID(ctx context.Context, id string) (*model.CanonicalCard, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	card, ok := c.snapshot[id]
	if !ok {
		return nil, nil
	}
	return card, nil
}

// FetchBatch は複数IDをスナップショットからベストエフォートで取得する。
// 見つからないIDは結果から除外される（nilプレースホルダーは生成しない）。
func (c *Client) FetchBatch(ctx context.Context, ids []string) ([]*model.CanonicalCard, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cards := make([]*model.CanonicalCard, 0, len(ids))
	for _, id := range ids {
		card, ok := c.snapshot[id]
		if !ok {
			c.logger.Info("バッチ取得でカードが見つからないため除外します",
				slog.String("source_id", c.cfg.ID),
				slog.String("card_id", id),
			)
			continue
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// setListPayload はSetList.jsonのレスポンス。
type setListPayload struct {
	Data []setListEntry `json:"data"`
}

type setListEntry struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	ReleaseDate  string `json:"releaseDate"`
	TotalSetSize int    `json:"totalSetSize"`
}

// FetchSets はセット一覧を取得する。
func (c *Client) FetchSets(ctx context.Context) ([]*model.CardSet, error) {
	var payload setListPayload
	if err := c.getJSON(ctx, "/SetList.json", &payload); err != nil {
		return nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryNetwork,
			"セット一覧の取得に失敗しました", err)
	}

	sets := make([]*model.CardSet, 0, len(payload.Data))
	for _, s := range payload.Data {
		sets = append(sets, &model.CardSet{
			Code:        s.Code,
			Name:        s.Name,
			SetType:     s.Type,
			ReleaseDate: s.ReleaseDate,
			CardCount:   s.TotalSetSize,
			SourceID:    c.cfg.ID,
		})
	}
	return sets, nil
}

// setPayload はセット単位のバルクJSONのレスポンス。
type setPayload struct {
	Data struct {
		Code        string            `json:"code"`
		Name        string            `json:"name"`
		ReleaseDate string            `json:"releaseDate"`
		Cards       []json.RawMessage `json:"cards"`
	} `json:"data"`
}

// SyncRecords はセット単位のバルクJSONをダウンロードし、
// 生ペイロードのレコードとメモリ上のスナップショットを構築する。
// このプロバイダーは増分取得をサポートしないため常に全量を返す。
// バルクダウンロードの失敗は単一の集約エラーとなる。
func (c *Client) SyncRecords(ctx context.Context, since time.Time) ([]*model.DataRecord, error) {
	var setList setListPayload
	if err := c.getJSON(ctx, "/SetList.json", &setList); err != nil {
		return nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryNetwork,
			"セット一覧のダウンロードに失敗しました", err)
	}

	var records []*model.DataRecord
	index := make(map[string]*model.CanonicalCard)
	var order []string

	for _, entry := range setList.Data {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var set setPayload
		if err := c.getJSON(ctx, "/"+entry.Code+".json", &set); err != nil {
			return nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryNetwork,
				fmt.Sprintf("セット %s のダウンロードに失敗しました", entry.Code), err)
		}

		now := time.Now()
		for _, raw := range set.Data.Cards {
			var data map[string]any
			if err := json.Unmarshal(raw, &data); err != nil {
				c.logger.Warn("カードペイロードのデコードに失敗したためスキップします",
					slog.String("source_id", c.cfg.ID),
					slog.String("set_code", entry.Code),
					slog.String("error", err.Error()),
				)
				continue
			}
			// セット名はカードペイロードに含まれないため補完する
			data["setName"] = set.Data.Name
			records = append(records, &model.DataRecord{
				SourceID:  c.cfg.ID,
				Type:      "card",
				Data:      data,
				FetchedAt: now,
				Status:    model.RecordStatusPending,
			})

			var p cardPayload
			if err := json.Unmarshal(raw, &p); err == nil && p.UUID != "" {
				card := p.toCanonical(c.cfg.ID, set.Data.Name)
				if _, exists := index[card.ID]; !exists {
					order = append(order, card.ID)
				}
				index[card.ID] = card
			}
		}

		c.logger.Info("セットのバルクダウンロードが完了しました",
			slog.String("source_id", c.cfg.ID),
			slog.String("set_code", entry.Code),
			slog.Int("cards", len(set.Data.Cards)),
		)
	}

	// スナップショットは完全に構築できた場合のみ差し替える
	c.mu.Lock()
	c.snapshot = index
	c.order = order
	c.mu.Unlock()

	return records, nil
}

// IsAvailable は配信メタデータへの疎通で利用可否を返す。
func (c *Client) IsAvailable(ctx context.Context) bool {
	status, err := c.Status(ctx)
	return err == nil && status.State != model.StatusUnavailable
}

// Status は配信メタデータの取得可否とスナップショットの状態を報告する。
func (c *Client) Status(ctx context.Context) (model.SourceStatus, error) {
	var meta metaPayload
	err := c.getJSON(ctx, "/Meta.json", &meta)

	c.mu.RLock()
	snapshotSize := len(c.snapshot)
	c.mu.RUnlock()

	status := model.SourceStatus{
		SourceID: c.cfg.ID,
		Metrics: map[string]string{
			"snapshot_cards": strconv.Itoa(snapshotSize),
		},
	}
	switch {
	case err != nil:
		status.State = model.StatusUnavailable
		status.Message = err.Error()
	case snapshotSize == 0:
		status.State = model.StatusDegraded
		status.Message = "スナップショット未構築"
	default:
		status.State = model.StatusOK
	}
	if meta.Meta.Version != "" {
		status.Metrics["version"] = meta.Meta.Version
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

// SnapshotSize は現在のスナップショットのカード数を返す。
func (c *Client) SnapshotSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshot)
}

// getJSON はレート制限を守りながらGETリクエストを発行してJSONをデコードする。
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	if err := c.budget.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Cardman/1.0 Card Aggregator")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("配信サービスがステータス %d を返しました", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// matches はカードが検索オプションに合致するかを判定する。
func matches(card *model.CanonicalCard, opts model.FetchOptions) bool {
	if opts.Query != "" &&
		!strings.Contains(strings.ToLower(card.Name), strings.ToLower(opts.Query)) {
		return false
	}
	for _, f := range opts.Filters {
		if !matchFilter(card, f) {
			return false
		}
	}
	return true
}

// matchFilter は単一フィルタの合致判定を行う。
func matchFilter(card *model.CanonicalCard, f model.Filter) bool {
	var value string
	switch f.Field {
	case "set", "set_code":
		value = card.SetCode
	case "rarity":
		value = card.Rarity
	case "name":
		value = card.Name
	case "type", "type_line":
		value = card.TypeLine
	case "mana_value", "cmc":
		value = strconv.FormatFloat(card.ManaValue, 'f', -1, 64)
	default:
		return true // 未知のフィールドはフィルタしない
	}

	switch f.Operator {
	case model.FilterOpEq:
		return strings.EqualFold(value, f.Value)
	case model.FilterOpContains:
		return strings.Contains(strings.ToLower(value), strings.ToLower(f.Value))
	case model.FilterOpGte:
		a, err1 := strconv.ParseFloat(value, 64)
		b, err2 := strconv.ParseFloat(f.Value, 64)
		return err1 == nil && err2 == nil && a >= b
	case model.FilterOpLte:
		a, err1 := strconv.ParseFloat(value, 64)
		b, err2 := strconv.ParseFloat(f.Value, 64)
		return err1 == nil && err2 == nil && a <= b
	default:
		return true
	}
}
