package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/cardman/internal/model"
)

// --- モック定義 ---

// mockSourceManager はSourceManagerInterfaceのモック実装。
type mockSourceManager struct {
	sources []string

	fetchFn     func(ctx context.Context, sourceID string, opts model.FetchOptions) ([]*model.FetchResult, error)
	fetchByIDFn func(ctx context.Context, id, sourceID string) (*model.CanonicalCard, error)
	fetchSetsFn func(ctx context.Context, sourceID string) ([]*model.CardSet, error)
}

func (m *mockSourceManager) Fetch(ctx context.Context, sourceID string, opts model.FetchOptions) ([]*model.FetchResult, error) {
	if m.fetchFn != nil {
		return m.fetchFn(ctx, sourceID, opts)
	}
	return []*model.FetchResult{}, nil
}

func (m *mockSourceManager) FetchByID(ctx context.Context, id, sourceID string) (*model.CanonicalCard, error) {
	if m.fetchByIDFn != nil {
		return m.fetchByIDFn(ctx, id, sourceID)
	}
	return nil, nil
}

func (m *mockSourceManager) FetchSets(ctx context.Context, sourceID string) ([]*model.CardSet, error) {
	if m.fetchSetsFn != nil {
		return m.fetchSetsFn(ctx, sourceID)
	}
	return nil, nil
}

func (m *mockSourceManager) HasSource(id string) bool {
	for _, s := range m.sources {
		if s == id {
			return true
		}
	}
	return false
}

// mockCardStore はCardStoreのモック実装。
type mockCardStore struct {
	findByIDFn    func(ctx context.Context, id, sourceID string) (*model.CanonicalCard, error)
	findAnyByIDFn func(ctx context.Context, id string) (*model.CanonicalCard, error)
}

func (m *mockCardStore) FindByID(ctx context.Context, id, sourceID string) (*model.CanonicalCard, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id, sourceID)
	}
	return nil, nil
}

func (m *mockCardStore) FindAnyByID(ctx context.Context, id string) (*model.CanonicalCard, error) {
	if m.findAnyByIDFn != nil {
		return m.findAnyByIDFn(ctx, id)
	}
	return nil, nil
}

// --- テストヘルパー ---

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("エラーレスポンスの解析に失敗: %v", err)
	}
	return result
}

func testCard(id, sourceID string) *model.CanonicalCard {
	usd := 1234.56
	return &model.CanonicalCard{
		ID:       id,
		SourceID: sourceID,
		Name:     "Black Lotus",
		SetCode:  "lea",
		Rarity:   "rare",
		Prices:   map[string]*float64{"usd": &usd, "eur": nil},
		Images:   map[string]string{"normal": "https://img.example.com/lotus.jpg"},
		FetchedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

// --- GET /cards/search テスト ---

func TestCardHandler_SearchCards_FanOut(t *testing.T) {
	mgr := &mockSourceManager{
		sources: []string{"scryfall", "mtgjson"},
		fetchFn: func(ctx context.Context, sourceID string, opts model.FetchOptions) ([]*model.FetchResult, error) {
			if sourceID != "" {
				t.Errorf("sourceID = %q, want 空文字（ファンアウト）", sourceID)
			}
			if opts.Query != "lotus" {
				t.Errorf("query = %q, want %q", opts.Query, "lotus")
			}
			return []*model.FetchResult{
				{
					SourceID: "scryfall",
					Data:     []*model.CanonicalCard{testCard("card-1", "scryfall")},
					Total:    1,
					Limit:    50,
				},
				{
					SourceID: "mtgjson",
					Data:     []*model.CanonicalCard{},
					Error:    "接続に失敗しました",
				},
			}, nil
		},
	}
	h := NewCardHandler(mgr, &mockCardStore{}, "")

	req := httptest.NewRequest(http.MethodGet, "/cards/search?q=lotus", nil)
	w := httptest.NewRecorder()

	h.SearchCards(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp searchResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d件, want 2件", len(resp.Results))
	}
	if resp.Results[0].Cards[0].Name != "Black Lotus" {
		t.Errorf("name = %q, want %q", resp.Results[0].Cards[0].Name, "Black Lotus")
	}
	// 劣化エントリはエラー文字列を持ちカード0件
	if resp.Results[1].Error == "" {
		t.Error("劣化エントリにエラー文字列が設定されていない")
	}
	if len(resp.Results[1].Cards) != 0 {
		t.Errorf("劣化エントリのカード件数 = %d, want 0", len(resp.Results[1].Cards))
	}
}

func TestCardHandler_SearchCards_PassesOptions(t *testing.T) {
	var got model.FetchOptions
	mgr := &mockSourceManager{
		sources: []string{"scryfall"},
		fetchFn: func(ctx context.Context, sourceID string, opts model.FetchOptions) ([]*model.FetchResult, error) {
			got = opts
			return []*model.FetchResult{{SourceID: sourceID}}, nil
		},
	}
	h := NewCardHandler(mgr, &mockCardStore{}, "")

	req := httptest.NewRequest(http.MethodGet, "/cards/search?q=bolt&source=scryfall&limit=10&offset=20&set=lea&rarity=rare&sort=name&order=desc", nil)
	w := httptest.NewRecorder()

	h.SearchCards(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got.Limit != 10 || got.Offset != 20 {
		t.Errorf("limit/offset = %d/%d, want 10/20", got.Limit, got.Offset)
	}
	if len(got.Filters) != 2 {
		t.Fatalf("filters = %d件, want 2件", len(got.Filters))
	}
	if got.Filters[0].Field != "set" || got.Filters[0].Value != "lea" {
		t.Errorf("filter[0] = %+v, want set=lea", got.Filters[0])
	}
	if got.Sort == nil || got.Sort.Field != "name" || !got.Sort.Desc {
		t.Errorf("sort = %+v, want name/desc", got.Sort)
	}
}

func TestCardHandler_SearchCards_UnknownSource(t *testing.T) {
	h := NewCardHandler(&mockSourceManager{sources: []string{"scryfall"}}, &mockCardStore{}, "")

	req := httptest.NewRequest(http.MethodGet, "/cards/search?q=lotus&source=unknown", nil)
	w := httptest.NewRecorder()

	h.SearchCards(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	body := parseAPIErrorResponse(t, w)
	if body["code"] != model.ErrCodeUnknownSource {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeUnknownSource)
	}
}

func TestCardHandler_SearchCards_InvalidLimit(t *testing.T) {
	h := NewCardHandler(&mockSourceManager{}, &mockCardStore{}, "")

	for _, limit := range []string{"abc", "-1", "0", "999999"} {
		req := httptest.NewRequest(http.MethodGet, "/cards/search?q=lotus&limit="+limit, nil)
		w := httptest.NewRecorder()

		h.SearchCards(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want %d", limit, w.Code, http.StatusBadRequest)
			continue
		}
		body := parseAPIErrorResponse(t, w)
		if body["code"] != model.ErrCodeInvalidQuery {
			t.Errorf("limit=%s: code = %q, want %q", limit, body["code"], model.ErrCodeInvalidQuery)
		}
	}
}

func TestCardHandler_SearchCards_NoSourceAvailable(t *testing.T) {
	mgr := &mockSourceManager{
		fetchFn: func(ctx context.Context, sourceID string, opts model.FetchOptions) ([]*model.FetchResult, error) {
			return nil, model.ErrNoSourceAvailable
		},
	}
	h := NewCardHandler(mgr, &mockCardStore{}, "")

	req := httptest.NewRequest(http.MethodGet, "/cards/search?q=lotus", nil)
	w := httptest.NewRecorder()

	h.SearchCards(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	body := parseAPIErrorResponse(t, w)
	if body["code"] != model.ErrCodeSourceUnavailable {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeSourceUnavailable)
	}
}

// --- GET /cards/:id テスト ---

func TestCardHandler_GetCard_Found(t *testing.T) {
	mgr := &mockSourceManager{
		sources: []string{"scryfall"},
		fetchByIDFn: func(ctx context.Context, id, sourceID string) (*model.CanonicalCard, error) {
			if id != "card-1" {
				t.Errorf("id = %q, want %q", id, "card-1")
			}
			return testCard("card-1", "scryfall"), nil
		},
	}
	h := NewCardHandler(mgr, &mockCardStore{}, "")

	req := httptest.NewRequest(http.MethodGet, "/cards/card-1", nil)
	req = withChiURLParam(req, "id", "card-1")
	w := httptest.NewRecorder()

	h.GetCard(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp cardResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if resp.ID != "card-1" || resp.SourceID != "scryfall" {
		t.Errorf("card = %s/%s, want card-1/scryfall", resp.ID, resp.SourceID)
	}
}

func TestCardHandler_GetCard_NotFound(t *testing.T) {
	h := NewCardHandler(&mockSourceManager{}, &mockCardStore{}, "")

	req := httptest.NewRequest(http.MethodGet, "/cards/missing", nil)
	req = withChiURLParam(req, "id", "missing")
	w := httptest.NewRecorder()

	h.GetCard(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	body := parseAPIErrorResponse(t, w)
	if body["code"] != model.ErrCodeCardNotFound {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeCardNotFound)
	}
}

func TestCardHandler_GetCard_SourceError(t *testing.T) {
	mgr := &mockSourceManager{
		sources: []string{"scryfall"},
		fetchByIDFn: func(ctx context.Context, id, sourceID string) (*model.CanonicalCard, error) {
			return nil, model.NewSourceError("scryfall", model.ErrCategoryNetwork, "接続に失敗しました", errors.New("dial timeout"))
		},
	}
	h := NewCardHandler(mgr, &mockCardStore{}, "")

	req := httptest.NewRequest(http.MethodGet, "/cards/card-1?source=scryfall", nil)
	req = withChiURLParam(req, "id", "card-1")
	w := httptest.NewRecorder()

	h.GetCard(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	body := parseAPIErrorResponse(t, w)
	if body["code"] != model.ErrCodeSourceUnavailable {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeSourceUnavailable)
	}
}

// --- GET /cards/:id/price テスト ---

func TestCardHandler_GetCardPrice_PrefersMarketplace(t *testing.T) {
	store := &mockCardStore{
		findByIDFn: func(ctx context.Context, id, sourceID string) (*model.CanonicalCard, error) {
			if sourceID != "cardtrader" {
				t.Errorf("sourceID = %q, want %q", sourceID, "cardtrader")
			}
			return testCard(id, "cardtrader"), nil
		},
	}
	h := NewCardHandler(&mockSourceManager{}, store, "cardtrader")

	req := httptest.NewRequest(http.MethodGet, "/cards/card-1/price", nil)
	req = withChiURLParam(req, "id", "card-1")
	w := httptest.NewRecorder()

	h.GetCardPrice(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp priceResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if resp.SourceID != "cardtrader" {
		t.Errorf("source_id = %q, want %q", resp.SourceID, "cardtrader")
	}
	if resp.Prices["usd"] == nil || *resp.Prices["usd"] != 1234.56 {
		t.Errorf("prices[usd] = %v, want 1234.56", resp.Prices["usd"])
	}
}

func TestCardHandler_GetCardPrice_FallsBackToAnySnapshot(t *testing.T) {
	anyCalled := false
	store := &mockCardStore{
		findByIDFn: func(ctx context.Context, id, sourceID string) (*model.CanonicalCard, error) {
			return nil, nil
		},
		findAnyByIDFn: func(ctx context.Context, id string) (*model.CanonicalCard, error) {
			anyCalled = true
			return testCard(id, "scryfall"), nil
		},
	}
	h := NewCardHandler(&mockSourceManager{}, store, "cardtrader")

	req := httptest.NewRequest(http.MethodGet, "/cards/card-1/price", nil)
	req = withChiURLParam(req, "id", "card-1")
	w := httptest.NewRecorder()

	h.GetCardPrice(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !anyCalled {
		t.Error("FindAnyByIDへのフォールバックが行われていない")
	}
}

func TestCardHandler_GetCardPrice_WithSourceParam(t *testing.T) {
	store := &mockCardStore{
		findByIDFn: func(ctx context.Context, id, sourceID string) (*model.CanonicalCard, error) {
			if sourceID != "scryfall" {
				t.Errorf("sourceID = %q, want %q", sourceID, "scryfall")
			}
			return testCard(id, "scryfall"), nil
		},
	}
	h := NewCardHandler(&mockSourceManager{sources: []string{"scryfall"}}, store, "cardtrader")

	req := httptest.NewRequest(http.MethodGet, "/cards/card-1/price?source=scryfall", nil)
	req = withChiURLParam(req, "id", "card-1")
	w := httptest.NewRecorder()

	h.GetCardPrice(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestCardHandler_GetCardPrice_NotFound(t *testing.T) {
	h := NewCardHandler(&mockSourceManager{}, &mockCardStore{}, "cardtrader")

	req := httptest.NewRequest(http.MethodGet, "/cards/missing/price", nil)
	req = withChiURLParam(req, "id", "missing")
	w := httptest.NewRecorder()

	h.GetCardPrice(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// --- GET /sets テスト ---

func TestCardHandler_ListSets_Success(t *testing.T) {
	mgr := &mockSourceManager{
		fetchSetsFn: func(ctx context.Context, sourceID string) ([]*model.CardSet, error) {
			return []*model.CardSet{
				{Code: "lea", Name: "Limited Edition Alpha", CardCount: 295, SourceID: "scryfall"},
				{Code: "leb", Name: "Limited Edition Beta", CardCount: 302, SourceID: "mtgjson"},
			}, nil
		},
	}
	h := NewCardHandler(mgr, &mockCardStore{}, "")

	req := httptest.NewRequest(http.MethodGet, "/sets", nil)
	w := httptest.NewRecorder()

	h.ListSets(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp setListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if len(resp.Sets) != 2 {
		t.Fatalf("sets = %d件, want 2件", len(resp.Sets))
	}
	if resp.Sets[0].Code != "lea" {
		t.Errorf("code = %q, want %q", resp.Sets[0].Code, "lea")
	}
}

func TestCardHandler_ListSets_UnknownSource(t *testing.T) {
	h := NewCardHandler(&mockSourceManager{sources: []string{"scryfall"}}, &mockCardStore{}, "")

	req := httptest.NewRequest(http.MethodGet, "/sets?source=unknown", nil)
	w := httptest.NewRecorder()

	h.ListSets(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
