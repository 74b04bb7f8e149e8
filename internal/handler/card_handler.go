// Package handler はHTTP APIのハンドラー層を提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/cardman/internal/middleware"
	"github.com/hitoshi/cardman/internal/model"
)

// maxSearchLimit は1回の検索で許可する最大取得件数。
const maxSearchLimit = 200

// SourceManagerInterface はカードハンドラーが必要とするマネージャーインターフェース。
type SourceManagerInterface interface {
	// Fetch は検索リクエストをルーティングする（sourceID空でファンアウト）。
	Fetch(ctx context.Context, sourceID string, opts model.FetchOptions) ([]*model.FetchResult, error)
	// FetchByID は指定IDのカードを取得する（sourceID空で逐次プローブ）。
	FetchByID(ctx context.Context, id, sourceID string) (*model.CanonicalCard, error)
	// FetchSets はセット一覧の取得をルーティングする。
	FetchSets(ctx context.Context, sourceID string) ([]*model.CardSet, error)
	// HasSource は指定IDのソースが登録済みかを返す。
	HasSource(id string) bool
}

// CardStore はカードハンドラーが必要とする保存済みスナップショットの参照インターフェース。
// repository.CardRepositoryを直接要求せず、価格参照に必要な最小限として定義する。
type CardStore interface {
	// FindByID は指定id+source_idのカードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id, sourceID string) (*model.CanonicalCard, error)
	// FindAnyByID はsource_idを問わず指定idのカードを取得する。見つからない場合はnilを返す。
	FindAnyByID(ctx context.Context, id string) (*model.CanonicalCard, error)
}

// CardHandler はカード検索・参照のHTTPハンドラー。
type CardHandler struct {
	manager SourceManagerInterface
	store   CardStore

	// priceSource はGET /cards/:id/priceでsource未指定時に優先するソースID。
	priceSource string
}

// NewCardHandler はCardHandlerを生成する。
func NewCardHandler(manager SourceManagerInterface, store CardStore, priceSource string) *CardHandler {
	return &CardHandler{
		manager:     manager,
		store:       store,
		priceSource: priceSource,
	}
}

// --- レスポンス型 ---

// cardResponse はカード1件のAPIレスポンス。
type cardResponse struct {
	ID              string              `json:"id"`
	SourceID        string              `json:"source_id"`
	Name            string              `json:"name"`
	SetCode         string              `json:"set_code"`
	SetName         string              `json:"set_name"`
	CollectorNumber string              `json:"collector_number"`
	Rarity          string              `json:"rarity"`
	TypeLine        string              `json:"type_line"`
	OracleText      string              `json:"oracle_text"`
	ManaCost        string              `json:"mana_cost"`
	ManaValue       float64             `json:"mana_value"`
	Power           string              `json:"power,omitempty"`
	Toughness       string              `json:"toughness,omitempty"`
	Colors          []string            `json:"colors"`
	Images          map[string]string   `json:"images"`
	Prices          map[string]*float64 `json:"prices"`
	Legalities      map[string]string   `json:"legalities"`
	PurchaseLinks   map[string]string   `json:"purchase_links"`
	FetchedAt       time.Time           `json:"fetched_at"`
}

// sourceResultResponse は1ソース分の検索結果のAPIレスポンス。
// Errorが空でない場合、そのソースは劣化エントリ（カード0件）を表す。
type sourceResultResponse struct {
	SourceID string         `json:"source_id"`
	Total    int            `json:"total"`
	HasMore  bool           `json:"has_more"`
	Limit    int            `json:"limit"`
	Offset   int            `json:"offset"`
	Error    string         `json:"error,omitempty"`
	Cards    []cardResponse `json:"cards"`
}

// searchResponse はカード検索のAPIレスポンス。
type searchResponse struct {
	Results []sourceResultResponse `json:"results"`
}

// setResponse はカードセット1件のAPIレスポンス。
type setResponse struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	SetType     string `json:"set_type"`
	ReleaseDate string `json:"release_date"`
	CardCount   int    `json:"card_count"`
	SourceID    string `json:"source_id"`
}

// setListResponse はセット一覧のAPIレスポンス。
type setListResponse struct {
	Sets []setResponse `json:"sets"`
}

// priceResponse はカード価格のAPIレスポンス。
type priceResponse struct {
	CardID    string              `json:"card_id"`
	SourceID  string              `json:"source_id"`
	Prices    map[string]*float64 `json:"prices"`
	FetchedAt time.Time           `json:"fetched_at"`
}

// SearchCards はカードを検索する。
// GET /cards/search?q=xxx&source=scryfall&limit=50&offset=0&set=lea&rarity=rare&sort=name&order=desc
// sourceを省略すると全登録ソースへのファンアウト検索となり、
// ソース単位の失敗は劣化エントリとして返る。
func (h *CardHandler) SearchCards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sourceID := q.Get("source")
	if sourceID != "" && !h.manager.HasSource(sourceID) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnknownSourceError(sourceID))
		return
	}

	opts, apiErr := parseFetchOptions(q.Get("q"), q)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	results, err := h.manager.Fetch(r.Context(), sourceID, opts)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := searchResponse{Results: make([]sourceResultResponse, 0, len(results))}
	for _, result := range results {
		resp.Results = append(resp.Results, toSourceResultResponse(result))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetCard はカード詳細を取得する。
// GET /cards/:id?source=scryfall
// sourceを省略すると登録順の逐次プローブとなり、最初のヒットが返る。
func (h *CardHandler) GetCard(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "id")

	sourceID := r.URL.Query().Get("source")
	if sourceID != "" && !h.manager.HasSource(sourceID) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnknownSourceError(sourceID))
		return
	}

	card, err := h.manager.FetchByID(r.Context(), cardID, sourceID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if card == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewCardNotFoundError(cardID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toCardResponse(card))
}

// GetCardPrice は保存済みスナップショットの価格マップを返す。
// GET /cards/:id/price?source=cardtrader
// sourceが省略された場合、マーケットプレイスソースのスナップショットを優先し、
// 存在しなければ最も最近更新されたスナップショットにフォールバックする。
func (h *CardHandler) GetCardPrice(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "id")

	sourceID := r.URL.Query().Get("source")
	if sourceID != "" && !h.manager.HasSource(sourceID) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnknownSourceError(sourceID))
		return
	}

	var card *model.CanonicalCard
	var err error
	switch {
	case sourceID != "":
		card, err = h.store.FindByID(r.Context(), cardID, sourceID)
	default:
		if h.priceSource != "" {
			card, err = h.store.FindByID(r.Context(), cardID, h.priceSource)
		}
		if err == nil && card == nil {
			card, err = h.store.FindAnyByID(r.Context(), cardID)
		}
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if card == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewCardNotFoundError(cardID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(priceResponse{
		CardID:    card.ID,
		SourceID:  card.SourceID,
		Prices:    card.Prices,
		FetchedAt: card.FetchedAt,
	})
}

// ListSets はセット一覧を取得する。
// GET /sets?source=mtgjson
// sourceを省略すると全ソースへのファンアウトとなり、結果が連結される。
func (h *CardHandler) ListSets(w http.ResponseWriter, r *http.Request) {
	sourceID := r.URL.Query().Get("source")
	if sourceID != "" && !h.manager.HasSource(sourceID) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnknownSourceError(sourceID))
		return
	}

	sets, err := h.manager.FetchSets(r.Context(), sourceID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := setListResponse{Sets: make([]setResponse, 0, len(sets))}
	for _, set := range sets {
		resp.Sets = append(resp.Sets, setResponse{
			Code:        set.Code,
			Name:        set.Name,
			SetType:     set.SetType,
			ReleaseDate: set.ReleaseDate,
			CardCount:   set.CardCount,
			SourceID:    set.SourceID,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// parseFetchOptions はクエリパラメータからFetchOptionsを組み立てる。
// limit/offsetの不正値はINVALID_QUERYエラーとなる。
func parseFetchOptions(query string, params url.Values) (model.FetchOptions, *model.APIError) {
	opts := model.FetchOptions{Query: query}

	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return opts, model.NewInvalidQueryError("limitは正の整数で指定してください")
		}
		if limit > maxSearchLimit {
			return opts, model.NewInvalidQueryError("limitが大きすぎます")
		}
		opts.Limit = limit
	}

	if v := params.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return opts, model.NewInvalidQueryError("offsetは0以上の整数で指定してください")
		}
		opts.Offset = offset
	}

	// 構造化フィルタ（等価比較）
	if v := params.Get("set"); v != "" {
		opts.Filters = append(opts.Filters, model.Filter{Field: "set", Operator: model.FilterOpEq, Value: v})
	}
	if v := params.Get("rarity"); v != "" {
		opts.Filters = append(opts.Filters, model.Filter{Field: "rarity", Operator: model.FilterOpEq, Value: v})
	}

	if v := params.Get("sort"); v != "" {
		opts.Sort = &model.SortSpec{
			Field: v,
			Desc:  params.Get("order") == "desc",
		}
	}

	return opts, nil
}

func toCardResponse(card *model.CanonicalCard) cardResponse {
	return cardResponse{
		ID:              card.ID,
		SourceID:        card.SourceID,
		Name:            card.Name,
		SetCode:         card.SetCode,
		SetName:         card.SetName,
		CollectorNumber: card.CollectorNumber,
		Rarity:          card.Rarity,
		TypeLine:        card.TypeLine,
		OracleText:      card.OracleText,
		ManaCost:        card.ManaCost,
		ManaValue:       card.ManaValue,
		Power:           card.Power,
		Toughness:       card.Toughness,
		Colors:          card.Colors,
		Images:          card.Images,
		Prices:          card.Prices,
		Legalities:      card.Legalities,
		PurchaseLinks:   card.PurchaseLinks,
		FetchedAt:       card.FetchedAt,
	}
}

func toSourceResultResponse(result *model.FetchResult) sourceResultResponse {
	cards := make([]cardResponse, 0, len(result.Data))
	for _, card := range result.Data {
		cards = append(cards, toCardResponse(card))
	}
	return sourceResultResponse{
		SourceID: result.SourceID,
		Total:    result.Total,
		HasMore:  result.HasMore,
		Limit:    result.Limit,
		Offset:   result.Offset,
		Error:    result.Error,
		Cards:    cards,
	}
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrNoSourceAvailable) {
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
			Code:     model.ErrCodeSourceUnavailable,
			Message:  "利用可能なデータソースがありません。",
			Category: "source",
			Action:   "しばらく待ってから再度お試しください。",
		})
		return
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	var srcErr *model.SourceError
	if errors.As(err, &srcErr) {
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewSourceUnavailableError(srcErr.SourceID))
		return
	}

	// 上記以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeCardNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidQuery, model.ErrCodeUnknownSource:
		return http.StatusBadRequest
	case model.ErrCodeSourceUnavailable, model.ErrCodeSyncFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
