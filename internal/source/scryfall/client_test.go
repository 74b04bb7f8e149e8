package scryfall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/cardman/internal/model"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	cfg := model.SourceConfig{
		ID:      "scryfall",
		Name:    "Scryfall",
		Type:    model.SourceTypeAPI,
		Enabled: true,
		BaseURL: baseURL,
	}
	return New(cfg, nil, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func cardJSON(id, name string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": %q,
		"set": "lea",
		"set_name": "Limited Edition Alpha",
		"collector_number": "232",
		"rarity": "rare",
		"type_line": "Artifact",
		"oracle_text": "{T}: Add three mana of any one color.",
		"mana_cost": "{0}",
		"cmc": 0,
		"colors": [],
		"image_uris": {"normal": "https://img.example.com/%s.jpg"},
		"prices": {"usd": "1234.56", "eur": null},
		"legalities": {"vintage": "restricted"},
		"purchase_uris": {"tcgplayer": "https://shop.example.com/%s"}
	}`, id, name, id, id)
}

func TestClient_Fetch_MapsSearchResponse(t *testing.T) {
	var gotQuery, gotPage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cards/search" {
			t.Errorf("path = %s, want /cards/search", r.URL.Path)
		}
		gotQuery = r.URL.Query().Get("q")
		gotPage = r.URL.Query().Get("page")
		fmt.Fprintf(w, `{
			"object": "list",
			"total_cards": 2,
			"has_more": false,
			"data": [%s, %s]
		}`, cardJSON("card-1", "Black Lotus"), cardJSON("card-2", "Mox Pearl"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.Fetch(context.Background(), model.FetchOptions{
		Query: "lotus",
		Filters: []model.Filter{
			{Field: "set", Operator: model.FilterOpEq, Value: "lea"},
		},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if gotQuery != "lotus set:lea" {
		t.Errorf("q = %q, want %q", gotQuery, "lotus set:lea")
	}
	if gotPage != "1" {
		t.Errorf("page = %q, want 1", gotPage)
	}

	if result.SourceID != "scryfall" {
		t.Errorf("sourceID = %q", result.SourceID)
	}
	if result.Total != 2 || result.HasMore {
		t.Errorf("total = %d, hasMore = %v, want 2/false", result.Total, result.HasMore)
	}
	if len(result.Data) != 2 {
		t.Fatalf("data = %d件, want 2件", len(result.Data))
	}

	card := result.Data[0]
	if card.Name != "Black Lotus" || card.SetCode != "lea" || card.Rarity != "rare" {
		t.Errorf("カードのマッピングが不正: %+v", card)
	}
	// 文字列価格は数値に変換され、nullはnilのまま保持される
	if usd := card.Prices["usd"]; usd == nil || *usd != 1234.56 {
		t.Errorf("usd = %v, want 1234.56", usd)
	}
	if eur, ok := card.Prices["eur"]; !ok || eur != nil {
		t.Errorf("eur = %v/%v, want nil保持", eur, ok)
	}
}

func TestClient_Fetch_ConvertsOffsetToPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("page"); got != "2" {
			t.Errorf("page = %q, want 2", got)
		}
		fmt.Fprintf(w, `{"object": "list", "total_cards": 500, "has_more": true, "data": [%s]}`,
			cardJSON("card-200", "Timetwister"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	// offset 200はプロバイダーの175件ページの2ページ目にあたる
	result, err := c.Fetch(context.Background(), model.FetchOptions{Query: "t", Limit: 10, Offset: 200})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !result.HasMore {
		t.Error("hasMore = false, want true")
	}
	if result.Offset != 200 || result.Limit != 10 {
		t.Errorf("offset/limit = %d/%d, want 200/10", result.Offset, result.Limit)
	}
}

func TestClient_Fetch_SortParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("order"); got != "name" {
			t.Errorf("order = %q, want name", got)
		}
		if got := r.URL.Query().Get("dir"); got != "desc" {
			t.Errorf("dir = %q, want desc", got)
		}
		fmt.Fprint(w, `{"object": "list", "total_cards": 0, "has_more": false, "data": []}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Fetch(context.Background(), model.FetchOptions{
		Query: "lotus",
		Sort:  &model.SortSpec{Field: "name", Desc: true},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
}

func TestClient_FetchByID_NotFoundReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"object": "error", "code": "not_found", "status": 404, "details": "No card found"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	card, err := c.FetchByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("404がエラーとして返った: %v", err)
	}
	if card != nil {
		t.Errorf("card = %+v, want nil", card)
	}
}

func TestClient_FetchByID_Found(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cards/card-1" {
			t.Errorf("path = %s, want /cards/card-1", r.URL.Path)
		}
		fmt.Fprint(w, cardJSON("card-1", "Black Lotus"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	card, err := c.FetchByID(context.Background(), "card-1")
	if err != nil {
		t.Fatalf("FetchByID: %v", err)
	}
	if card == nil || card.ID != "card-1" || card.SourceID != "scryfall" {
		t.Errorf("card = %+v", card)
	}
}

func TestClient_RateLimit_RetriesOnceAfterDelay(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, cardJSON("card-1", "Black Lotus"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	card, err := c.FetchByID(context.Background(), "card-1")
	if err != nil {
		t.Fatalf("再試行後に失敗した: %v", err)
	}
	if card == nil {
		t.Fatal("card = nil")
	}
	if requests != 2 {
		t.Errorf("リクエスト回数 = %d, want 2", requests)
	}
}

func TestClient_RateLimit_PersistentExhaustionFails(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.FetchByID(context.Background(), "card-1")
	if err == nil {
		t.Fatal("継続するレート制限がエラーにならない")
	}
	var srcErr *model.SourceError
	if !errors.As(err, &srcErr) {
		t.Fatalf("err = %T, want *model.SourceError", err)
	}
	if srcErr.Category != model.ErrCategoryRateLimit {
		t.Errorf("category = %q, want rate_limit", srcErr.Category)
	}
	// 再試行は1回だけ
	if requests != 2 {
		t.Errorf("リクエスト回数 = %d, want 2", requests)
	}
}

func TestClient_FetchBatch_ChunksIdentifiers(t *testing.T) {
	var batchSizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/cards/collection" {
			t.Errorf("%s %s, want POST /cards/collection", r.Method, r.URL.Path)
		}
		var req struct {
			Identifiers []map[string]string `json:"identifiers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("リクエストボディのデコード: %v", err)
		}
		batchSizes = append(batchSizes, len(req.Identifiers))
		fmt.Fprintf(w, `{"data": [%s], "not_found": [{"id": "missing"}]}`,
			cardJSON("card-1", "Black Lotus"))
	}))
	defer srv.Close()

	ids := make([]string, 80)
	for i := range ids {
		ids[i] = fmt.Sprintf("card-%d", i)
	}

	c := newTestClient(t, srv.URL)
	cards, err := c.FetchBatch(context.Background(), ids)
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}

	// 80件はプロバイダー上限の75件で分割される
	if len(batchSizes) != 2 || batchSizes[0] != 75 || batchSizes[1] != 5 {
		t.Errorf("batchSizes = %v, want [75 5]", batchSizes)
	}
	// not_foundのIDは結果に含まれない（各チャンクが1件ずつ返す）
	if len(cards) != 2 {
		t.Errorf("cards = %d件, want 2件", len(cards))
	}
}

func TestClient_FetchBatch_Empty(t *testing.T) {
	c := newTestClient(t, "http://unused.invalid")
	cards, err := c.FetchBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if len(cards) != 0 {
		t.Errorf("cards = %d件, want 0件", len(cards))
	}
}

func TestClient_FetchBatch_ProviderErrorIsAggregate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.FetchBatch(context.Background(), []string{"card-1", "card-2"})
	if err == nil {
		t.Fatal("プロバイダーエラーが集約エラーにならない")
	}
	var srcErr *model.SourceError
	if !errors.As(err, &srcErr) {
		t.Fatalf("err = %T, want *model.SourceError", err)
	}
}

func TestClient_FetchSets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sets" {
			t.Errorf("path = %s, want /sets", r.URL.Path)
		}
		fmt.Fprint(w, `{"data": [
			{"code": "lea", "name": "Limited Edition Alpha", "set_type": "core", "released_at": "1993-08-05", "card_count": 295}
		]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	sets, err := c.FetchSets(context.Background())
	if err != nil {
		t.Fatalf("FetchSets: %v", err)
	}
	if len(sets) != 1 {
		t.Fatalf("sets = %d件, want 1件", len(sets))
	}
	s := sets[0]
	if s.Code != "lea" || s.CardCount != 295 || s.SourceID != "scryfall" {
		t.Errorf("set = %+v", s)
	}
}

func TestClient_SyncRecords_PagesUntilDone(t *testing.T) {
	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pages = append(pages, page)
		hasMore := page == "1"
		fmt.Fprintf(w, `{"object": "list", "total_cards": 2, "has_more": %v, "data": [%s]}`,
			hasMore, cardJSON("card-"+page, "Card "+page))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	records, err := c.SyncRecords(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("SyncRecords: %v", err)
	}

	if len(pages) != 2 {
		t.Errorf("pages = %v, want 2ページ", pages)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d件, want 2件", len(records))
	}
	rec := records[0]
	if rec.SourceID != "scryfall" || rec.Type != "card" || rec.Status != model.RecordStatusPending {
		t.Errorf("record = %+v", rec)
	}
	// 生ペイロードはプロバイダーのフィールド名のまま保持される
	if rec.Data["set"] != "lea" {
		t.Errorf("data.set = %v, want lea（生フィールド名）", rec.Data["set"])
	}
}

func TestClient_SyncRecords_SinceFiltersByDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "date>=2026-08-01" {
			t.Errorf("q = %q, want date>=2026-08-01", got)
		}
		fmt.Fprint(w, `{"object": "list", "total_cards": 0, "has_more": false, "data": []}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if _, err := c.SyncRecords(context.Background(), since); err != nil {
		t.Fatalf("SyncRecords: %v", err)
	}
}

func TestClient_SyncRecords_EmptyResultIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"object": "error", "code": "not_found", "status": 404, "details": "0 cards matched"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	records, err := c.SyncRecords(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("0件ヒットがエラーとして返った: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %d件, want 0件", len(records))
	}
}

func TestClient_Status(t *testing.T) {
	t.Run("正常", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/catalog/land-types" {
				t.Errorf("path = %s", r.URL.Path)
			}
			fmt.Fprint(w, `{"data": []}`)
		}))
		defer srv.Close()

		status, err := newTestClient(t, srv.URL).Status(context.Background())
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.State != model.StatusOK {
			t.Errorf("state = %q, want ok", status.State)
		}
		if _, ok := status.Metrics["rate_limit_remaining"]; !ok {
			t.Error("レート制限メトリクスが含まれていない")
		}
	})

	t.Run("非200は劣化", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		status, err := newTestClient(t, srv.URL).Status(context.Background())
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.State != model.StatusDegraded {
			t.Errorf("state = %q, want degraded", status.State)
		}
	})

	t.Run("接続不能は利用不可", func(t *testing.T) {
		status, err := newTestClient(t, "http://127.0.0.1:1").Status(context.Background())
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.State != model.StatusUnavailable {
			t.Errorf("state = %q, want unavailable", status.State)
		}
	})
}

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name string
		opts model.FetchOptions
		want string
	}{
		{
			name: "クエリのみ",
			opts: model.FetchOptions{Query: "lotus"},
			want: "lotus",
		},
		{
			name: "等価フィルタ",
			opts: model.FetchOptions{Query: "lotus", Filters: []model.Filter{
				{Field: "set", Operator: model.FilterOpEq, Value: "lea"},
			}},
			want: "lotus set:lea",
		},
		{
			name: "部分一致フィルタ",
			opts: model.FetchOptions{Query: "", Filters: []model.Filter{
				{Field: "type", Operator: model.FilterOpContains, Value: "artifact"},
			}},
			want: " type:*artifact*",
		},
		{
			name: "範囲フィルタ",
			opts: model.FetchOptions{Query: "x", Filters: []model.Filter{
				{Field: "cmc", Operator: model.FilterOpGte, Value: "2"},
				{Field: "cmc", Operator: model.FilterOpLte, Value: "4"},
			}},
			want: "x cmc>=2 cmc<=4",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildQuery(tt.opts); got != tt.want {
				t.Errorf("buildQuery = %q, want %q", got, tt.want)
			}
		})
	}
}
