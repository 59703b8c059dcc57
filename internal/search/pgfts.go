package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// Trades live inside calendar_years.trades JSONB arrays, so every query
// unnests the arrays with jsonb_array_elements before matching.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search unnests the trade arrays and matches symbol and notes against
// plainto_tsquery, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	where := fmt.Sprintf(
		"to_tsvector('english', coalesce(t.value->>'symbol', '') || ' ' || coalesce(t.value->>'notes', '')) @@ %s",
		tsQuery)
	if q.CalendarID != "" {
		where += fmt.Sprintf(" AND cy.calendar_id = $%d", argN)
		args = append(args, q.CalendarID)
		argN++
	}
	if q.Tag != "" {
		where += fmt.Sprintf(" AND t.value->'tags' ? $%d", argN)
		args = append(args, q.Tag)
		argN++
	}

	baseSQL := fmt.Sprintf(`
		SELECT t.value->>'id' AS id, cy.calendar_id,
			coalesce(t.value->>'date', '') AS date,
			coalesce(t.value->>'symbol', '') AS symbol,
			ts_headline('english', coalesce(t.value->>'notes', ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			coalesce(t.value->'tags', '[]'::jsonb) AS tags,
			ts_rank(to_tsvector('english', coalesce(t.value->>'symbol', '') || ' ' || coalesce(t.value->>'notes', '')), %s) AS rank
		FROM calendar_years cy
		CROSS JOIN LATERAL jsonb_array_elements(cy.trades) AS t(value)
		WHERE %s`, tsQuery, tsQuery, where)

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", baseSQL)

	dataSQL := fmt.Sprintf(`SELECT id, calendar_id, date, symbol, snippet, tags
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, baseSQL, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rawTags []byte
		if err := rows.Scan(&r.ID, &r.CalendarID, &r.Date, &r.Symbol, &r.Snippet, &rawTags); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		if err := json.Unmarshal(rawTags, &r.Tags); err != nil {
			return nil, 0, fmt.Errorf("pgfts decode tags: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadCalendarRecords returns all trades of a calendar for reindexing.
func (p *PgFTS) LoadCalendarRecords(ctx context.Context, calendarID string) ([]TradeRecord, error) {
	return p.loadRecords(ctx, "WHERE cy.calendar_id = $1", calendarID)
}

// LoadAllRecords returns every trade for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]TradeRecord, error) {
	return p.loadRecords(ctx, "")
}

func (p *PgFTS) loadRecords(ctx context.Context, where string, args ...any) ([]TradeRecord, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT t.value->>'id', cy.calendar_id,
			coalesce(t.value->>'date', ''),
			coalesce(t.value->>'symbol', ''),
			coalesce(t.value->>'side', ''),
			coalesce(t.value->>'notes', ''),
			coalesce(t.value->'tags', '[]'::jsonb)
		FROM calendar_years cy
		CROSS JOIN LATERAL jsonb_array_elements(cy.trades) AS t(value)
		%s`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	defer rows.Close()

	records := make([]TradeRecord, 0)
	for rows.Next() {
		var r TradeRecord
		var rawTags []byte
		if err := rows.Scan(&r.ID, &r.CalendarID, &r.Date, &r.Symbol, &r.Side, &r.Notes, &rawTags); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if err := json.Unmarshal(rawTags, &r.Tags); err != nil {
			return nil, fmt.Errorf("decode trade tags: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return records, nil
}
