package pipeline

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hitoshi/cardman/internal/model"
)

// DecodeCard は正規化済みレコードのペイロードをCanonicalCardに変換する。
// Processを通過したレコード（Status=processed）に対してのみ使用する。
func DecodeCard(record *model.DataRecord) (*model.CanonicalCard, error) {
	if record.Status != model.RecordStatusProcessed {
		return nil, fmt.Errorf("レコード %s は正規化済みではありません: %s", record.ID, record.Status)
	}
	data := record.Data

	card := &model.CanonicalCard{
		ID:              asString(data["id"]),
		SourceID:        record.SourceID,
		Name:            asString(data["name"]),
		SetCode:         asString(data["set_code"]),
		SetName:         asString(data["set_name"]),
		CollectorNumber: asString(data["collector_number"]),
		Rarity:          asString(data["rarity"]),
		TypeLine:        asString(data["type_line"]),
		OracleText:      asString(data["oracle_text"]),
		ManaCost:        asString(data["mana_cost"]),
		ManaValue:       asFloat(data["mana_value"]),
		Power:           asString(data["power"]),
		Toughness:       asString(data["toughness"]),
		Colors:          asStringSlice(data["colors"]),
		Images:          asStringMap(data["images"]),
		Legalities:      asStringMap(data["legalities"]),
		PurchaseLinks:   asStringMap(data["purchase_links"]),
		Prices:          decodePrices(data),
		FetchedAt:       record.FetchedAt,
	}

	if s := asString(data["fetched_at"]); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			card.FetchedAt = t
		}
	}

	// マーケットプレイス型の単一画像・単一購入リンク
	if u := asString(data["image_url"]); u != "" {
		if card.Images == nil {
			card.Images = map[string]string{}
		}
		if _, exists := card.Images["normal"]; !exists {
			card.Images["normal"] = u
		}
	}
	if u := asString(data["purchase_url"]); u != "" {
		if card.PurchaseLinks == nil {
			card.PurchaseLinks = map[string]string{}
		}
		if _, exists := card.PurchaseLinks[record.SourceID]; !exists {
			card.PurchaseLinks[record.SourceID] = u
		}
	}

	if card.ID == "" {
		return nil, fmt.Errorf("正規化済みペイロードにidが含まれていません")
	}
	return card, nil
}

// decodePrices は価格表現の差異（通貨マップ/セント整数）を吸収する。
func decodePrices(data map[string]any) map[string]*float64 {
	prices := make(map[string]*float64)

	if raw, ok := data["prices"].(map[string]any); ok {
		for currency, v := range raw {
			switch n := v.(type) {
			case float64:
				val := n
				prices[currency] = &val
			case string:
				if f, err := strconv.ParseFloat(n, 64); err == nil {
					prices[currency] = &f
				} else {
					prices[currency] = nil
				}
			case nil:
				prices[currency] = nil
			}
		}
	}

	if cents, ok := data["price_cents"].(float64); ok {
		currency := asString(data["price_currency"])
		if currency == "" {
			currency = "usd"
		}
		val := cents / 100
		prices[currency] = &val
	}

	if len(prices) == 0 {
		return nil
	}
	return prices
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return 0
}

func asStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func asStringMap(v any) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, e := range m {
			if str, ok := e.(string); ok {
				out[k] = str
			}
		}
		return out
	}
	return nil
}
