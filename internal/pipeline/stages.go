package pipeline

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hitoshi/cardman/internal/model"
)

// numericFields は数値への強制変換の対象となるフィールド。
// collector_number等の数字に見える識別子は文字列のまま保持する必要が
// あるため、全フィールドへの一括変換は行わない。
var numericFields = map[string]bool{
	"cmc":         true,
	"mana_value":  true,
	"manaValue":   true,
	"price_cents": true,
}

// trimStrings は全文字列フィールドの前後空白を除去する。
func trimStrings(data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for key, value := range data {
		if s, ok := value.(string); ok {
			out[key] = strings.TrimSpace(s)
			continue
		}
		out[key] = value
	}
	return out, nil
}

// coerceNumericStrings は数値フィールドに入った数字文字列をfloat64に変換する。
// 対象フィールドの値が数値にパースできない場合は変換失敗となる。
func coerceNumericStrings(data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for key, value := range data {
		if !numericFields[key] {
			out[key] = value
			continue
		}
		switch v := value.(type) {
		case string:
			if v == "" {
				out[key] = nil
				continue
			}
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("フィールド %s の値 %q を数値に変換できません", key, v)
			}
			out[key] = n
		default:
			out[key] = value
		}
	}
	return out, nil
}

// sanitizeStrings は全文字列フィールドにHTMLサニタイズを適用する変換を返す。
// マーケットプレイスの出品者記述はHTMLを含みうるため、保存前に除去する。
func sanitizeStrings(sanitize func(string) string) func(map[string]any) (map[string]any, error) {
	return func(data map[string]any) (map[string]any, error) {
		out := make(map[string]any, len(data))
		for key, value := range data {
			if s, ok := value.(string); ok {
				out[key] = sanitize(s)
				continue
			}
			out[key] = value
		}
		return out, nil
	}
}

// urlFieldSuffixes はURL検証の対象と判定するフィールド名のサフィックス。
var urlFieldSuffixes = []string{"_url", "_uri", "_urls", "_uris"}

// dropUnsafeURLs はプロバイダーが返したURLフィールドを検証し、
// 安全でないURLをログに記録して除去する変換を返す。
// URLの除去はレコードの失敗とはしない。
func dropUnsafeURLs(validator URLValidator, logger *slog.Logger) func(map[string]any) (map[string]any, error) {
	isURLField := func(key string) bool {
		lower := strings.ToLower(key)
		for _, suffix := range urlFieldSuffixes {
			if strings.HasSuffix(lower, suffix) {
				return true
			}
		}
		return false
	}

	return func(data map[string]any) (map[string]any, error) {
		out := make(map[string]any, len(data))
		for key, value := range data {
			if !isURLField(key) {
				out[key] = value
				continue
			}
			switch v := value.(type) {
			case string:
				if err := validator.ValidateURL(v); err != nil {
					logger.Warn("安全でないURLを除去しました",
						slog.String("field", key),
						slog.String("error", err.Error()),
					)
					continue
				}
				out[key] = v
			case map[string]any:
				kept := make(map[string]any, len(v))
				for name, u := range v {
					s, ok := u.(string)
					if !ok {
						continue
					}
					if err := validator.ValidateURL(s); err != nil {
						logger.Warn("安全でないURLを除去しました",
							slog.String("field", key+"."+name),
							slog.String("error", err.Error()),
						)
						continue
					}
					kept[name] = s
				}
				out[key] = kept
			default:
				out[key] = value
			}
		}
		return out, nil
	}
}

// nameKeys はプロバイダーごとのカード名フィールドの候補。
var nameKeys = []string{"name", "name_en"}

// ruleRequiredName はカード名の存在を検証する。
func ruleRequiredName(data map[string]any, fields *FieldMapper) []model.Violation {
	key := "name"
	if k, ok := fields.ProviderKey("name"); ok {
		key = k
	}

	if s, ok := data[key].(string); ok && s != "" {
		return nil
	}
	// マッピング未解決の場合は既知の候補キーも確認する
	for _, k := range nameKeys {
		if s, ok := data[k].(string); ok && s != "" {
			return nil
		}
	}
	return []model.Violation{{
		Rule:    "required_name",
		Field:   key,
		Message: "カード名が空です",
	}}
}

// ruleNonNegativePrices は価格フィールドが負値でないことを検証する。
func ruleNonNegativePrices(data map[string]any, fields *FieldMapper) []model.Violation {
	var violations []model.Violation

	if v, ok := data["price_cents"].(float64); ok && v < 0 {
		violations = append(violations, model.Violation{
			Rule:    "non_negative_prices",
			Field:   "price_cents",
			Message: fmt.Sprintf("価格が負値です: %v", v),
		})
	}

	if prices, ok := data["prices"].(map[string]any); ok {
		for currency, raw := range prices {
			switch v := raw.(type) {
			case float64:
				if v < 0 {
					violations = append(violations, model.Violation{
						Rule:    "non_negative_prices",
						Field:   "prices." + currency,
						Message: fmt.Sprintf("価格が負値です: %v", v),
					})
				}
			case string:
				if n, err := strconv.ParseFloat(v, 64); err == nil && n < 0 {
					violations = append(violations, model.Violation{
						Rule:    "non_negative_prices",
						Field:   "prices." + currency,
						Message: fmt.Sprintf("価格が負値です: %v", v),
					})
				}
			}
		}
	}
	return violations
}
