package scryfall

import (
	"strconv"
	"time"

	"github.com/hitoshi/cardman/internal/model"
)

// cardPayload はプロバイダーのカードレスポンス。
type cardPayload struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Set             string             `json:"set"`
	SetName         string             `json:"set_name"`
	CollectorNumber string             `json:"collector_number"`
	Rarity          string             `json:"rarity"`
	TypeLine        string             `json:"type_line"`
	OracleText      string             `json:"oracle_text"`
	ManaCost        string             `json:"mana_cost"`
	CMC             float64            `json:"cmc"`
	Power           string             `json:"power"`
	Toughness       string             `json:"toughness"`
	Colors          []string           `json:"colors"`
	ImageURIs       map[string]string  `json:"image_uris"`
	Prices          map[string]*string `json:"prices"`
	Legalities      map[string]string  `json:"legalities"`
	PurchaseURIs    map[string]string  `json:"purchase_uris"`
}

// toCanonical はプロバイダーのカードペイロードを正規化済みカードに変換する。
// プロバイダーの価格は文字列（またはnull）で返るため数値に強制変換する。
func (p *cardPayload) toCanonical(sourceID string) *model.CanonicalCard {
	prices := make(map[string]*float64, len(p.Prices))
	for currency, raw := range p.Prices {
		if raw == nil {
			prices[currency] = nil
			continue
		}
		if v, err := strconv.ParseFloat(*raw, 64); err == nil {
			prices[currency] = &v
		} else {
			prices[currency] = nil
		}
	}

	return &model.CanonicalCard{
		ID:              p.ID,
		SourceID:        sourceID,
		Name:            p.Name,
		SetCode:         p.Set,
		SetName:         p.SetName,
		CollectorNumber: p.CollectorNumber,
		Rarity:          p.Rarity,
		TypeLine:        p.TypeLine,
		OracleText:      p.OracleText,
		ManaCost:        p.ManaCost,
		ManaValue:       p.CMC,
		Power:           p.Power,
		Toughness:       p.Toughness,
		Colors:          p.Colors,
		Images:          p.ImageURIs,
		Prices:          prices,
		Legalities:      p.Legalities,
		PurchaseLinks:   p.PurchaseURIs,
		FetchedAt:       time.Now(),
	}
}

// setPayload はプロバイダーのセットレスポンス。
type setPayload struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	SetType    string `json:"set_type"`
	ReleasedAt string `json:"released_at"`
	CardCount  int    `json:"card_count"`
}

// toCardSet はセットペイロードをCardSetに変換する。
func (p *setPayload) toCardSet(sourceID string) *model.CardSet {
	return &model.CardSet{
		Code:        p.Code,
		Name:        p.Name,
		SetType:     p.SetType,
		ReleaseDate: p.ReleasedAt,
		CardCount:   p.CardCount,
		SourceID:    sourceID,
	}
}

// FieldMap はこのソースの生ペイロードに対するフィールド名マッピングテーブル。
// 正規化パイプラインのフィールド名正規化ステージに登録される。
// ここに含まれないフィールドはパススルーで転写される。
var FieldMap = map[string]string{
	"id":               "id",
	"name":             "name",
	"set":              "set_code",
	"set_name":         "set_name",
	"collector_number": "collector_number",
	"rarity":           "rarity",
	"type_line":        "type_line",
	"oracle_text":      "oracle_text",
	"mana_cost":        "mana_cost",
	"cmc":              "mana_value",
	"power":            "power",
	"toughness":        "toughness",
	"colors":           "colors",
	"image_uris":       "images",
	"prices":           "prices",
	"legalities":       "legalities",
	"purchase_uris":    "purchase_links",
}
