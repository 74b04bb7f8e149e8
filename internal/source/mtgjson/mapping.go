package mtgjson

import (
	"time"

	"github.com/hitoshi/cardman/internal/model"
)

// cardPayload はバルクJSONに含まれるカードエントリ。
type cardPayload struct {
	UUID         string            `json:"uuid"`
	Name         string            `json:"name"`
	SetCode      string            `json:"setCode"`
	Number       string            `json:"number"`
	Rarity       string            `json:"rarity"`
	Type         string            `json:"type"`
	Text         string            `json:"text"`
	ManaCost     string            `json:"manaCost"`
	ManaValue    float64           `json:"manaValue"`
	Power        string            `json:"power"`
	Toughness    string            `json:"toughness"`
	Colors       []string          `json:"colors"`
	Legalities   map[string]string `json:"legalities"`
	PurchaseURLs map[string]string `json:"purchaseUrls"`
}

// toCanonical はバルクJSONのカードエントリを正規化済みカードに変換する。
// このプロバイダーは画像URIと価格を配信しないため、該当フィールドは空のままとなる。
func (p *cardPayload) toCanonical(sourceID, setName string) *model.CanonicalCard {
	return &model.CanonicalCard{
		ID:              p.UUID,
		SourceID:        sourceID,
		Name:            p.Name,
		SetCode:         p.SetCode,
		SetName:         setName,
		CollectorNumber: p.Number,
		Rarity:          p.Rarity,
		TypeLine:        p.Type,
		OracleText:      p.Text,
		ManaCost:        p.ManaCost,
		ManaValue:       p.ManaValue,
		Power:           p.Power,
		Toughness:       p.Toughness,
		Colors:          p.Colors,
		Legalities:      p.Legalities,
		PurchaseLinks:   p.PurchaseURLs,
		FetchedAt:       time.Now(),
	}
}

// FieldMap はこのソースの生ペイロードに対するフィールド名マッピングテーブル。
// 正規化パイプラインのフィールド名正規化ステージに登録される。
// ここに含まれないフィールドはパススルーで転写される。
var FieldMap = map[string]string{
	"uuid":         "id",
	"name":         "name",
	"setCode":      "set_code",
	"setName":      "set_name",
	"number":       "collector_number",
	"rarity":       "rarity",
	"type":         "type_line",
	"text":         "oracle_text",
	"manaCost":     "mana_cost",
	"manaValue":    "mana_value",
	"power":        "power",
	"toughness":    "toughness",
	"colors":       "colors",
	"legalities":   "legalities",
	"purchaseUrls": "purchase_links",
}
