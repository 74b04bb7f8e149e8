package cardtrader

import (
	"strconv"
	"time"

	"github.com/hitoshi/cardman/internal/model"
)

// productPayload はマーケットプレイスの商品レスポンス。
type productPayload struct {
	ID            int    `json:"id"`
	BlueprintID   int    `json:"blueprint_id"`
	Name          string `json:"name_en"`
	ExpansionCode string `json:"expansion_code"`
	ExpansionName string `json:"expansion_name"`
	Rarity        string `json:"rarity"`
	CollectorNum  string `json:"collector_number"`
	// Description はHTMLを含む出品者記述。パイプラインでサニタイズされる。
	Description string `json:"description"`
	PriceCents  int    `json:"price_cents"`
	Currency    string `json:"price_currency"`
	ImageURL    string `json:"image_url"`
	ProductURL  string `json:"product_url"`
}

// toCanonical はマーケットプレイスの商品を正規化済みカードに変換する。
// 価格はセント単位の整数で返るため通貨単位の数値に変換する。
func (p *productPayload) toCanonical(sourceID string) *model.CanonicalCard {
	card := &model.CanonicalCard{
		ID:              strconv.Itoa(p.ID),
		SourceID:        sourceID,
		Name:            p.Name,
		SetCode:         p.ExpansionCode,
		SetName:         p.ExpansionName,
		CollectorNumber: p.CollectorNum,
		Rarity:          p.Rarity,
		OracleText:      p.Description,
		Prices:          map[string]*float64{},
		FetchedAt:       time.Now(),
	}

	if p.Currency != "" {
		price := float64(p.PriceCents) / 100
		card.Prices[normalizeCurrency(p.Currency)] = &price
	}
	if p.ImageURL != "" {
		card.Images = map[string]string{"normal": p.ImageURL}
	}
	if p.ProductURL != "" {
		card.PurchaseLinks = map[string]string{"cardtrader": p.ProductURL}
	}
	return card
}

// normalizeCurrency は通貨コードを小文字の正規形に揃える。
func normalizeCurrency(code string) string {
	switch code {
	case "USD", "usd":
		return "usd"
	case "EUR", "eur":
		return "eur"
	case "GBP", "gbp":
		return "gbp"
	default:
		return code
	}
}

// FieldMap はこのソースの生ペイロードに対するフィールド名マッピングテーブル。
// 正規化パイプラインのフィールド名正規化ステージに登録される。
// ここに含まれないフィールドはパススルーで転写される。
var FieldMap = map[string]string{
	"id":               "id",
	"name_en":          "name",
	"expansion_code":   "set_code",
	"expansion_name":   "set_name",
	"collector_number": "collector_number",
	"rarity":           "rarity",
	"description":      "oracle_text",
	"price_cents":      "price_cents",
	"price_currency":   "price_currency",
	"image_url":        "image_url",
	"product_url":      "purchase_url",
}
