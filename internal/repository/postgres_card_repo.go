package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/cardman/internal/model"
)

// PostgresCardRepo はPostgreSQLを使用したカードリポジトリ。
type PostgresCardRepo struct {
	db *sql.DB
}

// NewPostgresCardRepo はPostgresCardRepoを生成する。
func NewPostgresCardRepo(db *sql.DB) *PostgresCardRepo {
	return &PostgresCardRepo{db: db}
}

// cardColumns はSELECT句で使用するカラムリスト。
const cardColumns = `id, source_id, name, set_code, set_name, collector_number,
	rarity, type_line, oracle_text, mana_cost, mana_value, power, toughness,
	colors, images, prices, legalities, purchase_links,
	fetched_at, created_at, updated_at`

// Save はカードスナップショットをUPSERTする。
// id+source_idで一意とし、既存行は新しいスナップショットで置き換える。
func (r *PostgresCardRepo) Save(ctx context.Context, card *model.CanonicalCard) error {
	colors, err := json.Marshal(card.Colors)
	if err != nil {
		return fmt.Errorf("colorsのシリアライズに失敗しました: %w", err)
	}
	images, err := json.Marshal(card.Images)
	if err != nil {
		return fmt.Errorf("imagesのシリアライズに失敗しました: %w", err)
	}
	prices, err := json.Marshal(card.Prices)
	if err != nil {
		return fmt.Errorf("pricesのシリアライズに失敗しました: %w", err)
	}
	legalities, err := json.Marshal(card.Legalities)
	if err != nil {
		return fmt.Errorf("legalitiesのシリアライズに失敗しました: %w", err)
	}
	purchaseLinks, err := json.Marshal(card.PurchaseLinks)
	if err != nil {
		return fmt.Errorf("purchase_linksのシリアライズに失敗しました: %w", err)
	}

	now := time.Now()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO cards (id, source_id, name, set_code, set_name, collector_number,
		                    rarity, type_line, oracle_text, mana_cost, mana_value,
		                    power, toughness, colors, images, prices, legalities,
		                    purchase_links, fetched_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		         $14, $15, $16, $17, $18, $19, $20, $20)
		 ON CONFLICT (id, source_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   set_code = EXCLUDED.set_code,
		   set_name = EXCLUDED.set_name,
		   collector_number = EXCLUDED.collector_number,
		   rarity = EXCLUDED.rarity,
		   type_line = EXCLUDED.type_line,
		   oracle_text = EXCLUDED.oracle_text,
		   mana_cost = EXCLUDED.mana_cost,
		   mana_value = EXCLUDED.mana_value,
		   power = EXCLUDED.power,
		   toughness = EXCLUDED.toughness,
		   colors = EXCLUDED.colors,
		   images = EXCLUDED.images,
		   prices = EXCLUDED.prices,
		   legalities = EXCLUDED.legalities,
		   purchase_links = EXCLUDED.purchase_links,
		   fetched_at = EXCLUDED.fetched_at,
		   updated_at = EXCLUDED.updated_at`,
		card.ID, card.SourceID, card.Name, card.SetCode, card.SetName,
		card.CollectorNumber, card.Rarity, card.TypeLine, card.OracleText,
		card.ManaCost, card.ManaValue, card.Power, card.Toughness,
		colors, images, prices, legalities, purchaseLinks,
		card.FetchedAt, now,
	)
	if err != nil {
		return fmt.Errorf("カードの保存に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定id+source_idのカードを取得する。見つからない場合はnilを返す。
func (r *PostgresCardRepo) FindByID(ctx context.Context, id, sourceID string) (*model.CanonicalCard, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE id = $1 AND source_id = $2`,
		id, sourceID,
	)
	card, err := scanCard(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("カードの取得に失敗しました: %w", err)
	}
	return card, nil
}

// FindAnyByID はsource_idを問わず指定idのカードを取得する。
func (r *PostgresCardRepo) FindAnyByID(ctx context.Context, id string) (*model.CanonicalCard, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE id = $1
		 ORDER BY updated_at DESC LIMIT 1`,
		id,
	)
	card, err := scanCard(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("カードの取得に失敗しました: %w", err)
	}
	return card, nil
}

// Search は名前の部分一致検索を行い、該当カードと総件数を返す。
func (r *PostgresCardRepo) Search(ctx context.Context, query string, limit, offset int) ([]*model.CanonicalCard, int, error) {
	pattern := "%" + query + "%"

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cards WHERE name ILIKE $1`, pattern,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("カードの件数取得に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE name ILIKE $1
		 ORDER BY name, source_id LIMIT $2 OFFSET $3`,
		pattern, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("カードの検索に失敗しました: %w", err)
	}
	defer rows.Close()

	var cards []*model.CanonicalCard
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("カード行のスキャンに失敗しました: %w", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("カードの検索に失敗しました: %w", err)
	}
	return cards, total, nil
}

// CountBySource はソースごとの保存カード数を返す。
func (r *PostgresCardRepo) CountBySource(ctx context.Context, sourceID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cards WHERE source_id = $1`, sourceID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ソース別カード数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// DeleteBySource は指定ソースの全カードを削除する。削除件数を返す。
func (r *PostgresCardRepo) DeleteBySource(ctx context.Context, sourceID string) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM cards WHERE source_id = $1`, sourceID,
	)
	if err != nil {
		return 0, fmt.Errorf("ソース別カードの削除に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return int(affected), nil
}

// rowScanner はsql.Rowとsql.Rowsの共通Scanインターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanCard は1行をCanonicalCardにスキャンする。
func scanCard(row rowScanner) (*model.CanonicalCard, error) {
	card := &model.CanonicalCard{}
	var setName, collectorNumber, rarity, typeLine, oracleText sql.NullString
	var manaCost, power, toughness sql.NullString
	var colors, images, prices, legalities, purchaseLinks []byte

	err := row.Scan(
		&card.ID, &card.SourceID, &card.Name, &card.SetCode, &setName,
		&collectorNumber, &rarity, &typeLine, &oracleText, &manaCost,
		&card.ManaValue, &power, &toughness,
		&colors, &images, &prices, &legalities, &purchaseLinks,
		&card.FetchedAt, &card.CreatedAt, &card.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	card.SetName = setName.String
	card.CollectorNumber = collectorNumber.String
	card.Rarity = rarity.String
	card.TypeLine = typeLine.String
	card.OracleText = oracleText.String
	card.ManaCost = manaCost.String
	card.Power = power.String
	card.Toughness = toughness.String

	if len(colors) > 0 {
		if err := json.Unmarshal(colors, &card.Colors); err != nil {
			return nil, fmt.Errorf("colorsのデシリアライズに失敗しました: %w", err)
		}
	}
	if len(images) > 0 {
		if err := json.Unmarshal(images, &card.Images); err != nil {
			return nil, fmt.Errorf("imagesのデシリアライズに失敗しました: %w", err)
		}
	}
	if len(prices) > 0 {
		if err := json.Unmarshal(prices, &card.Prices); err != nil {
			return nil, fmt.Errorf("pricesのデシリアライズに失敗しました: %w", err)
		}
	}
	if len(legalities) > 0 {
		if err := json.Unmarshal(legalities, &card.Legalities); err != nil {
			return nil, fmt.Errorf("legalitiesのデシリアライズに失敗しました: %w", err)
		}
	}
	if len(purchaseLinks) > 0 {
		if err := json.Unmarshal(purchaseLinks, &card.PurchaseLinks); err != nil {
			return nil, fmt.Errorf("purchase_linksのデシリアライズに失敗しました: %w", err)
		}
	}
	return card, nil
}
