package search

import (
	"context"
	"log"

	"tradebook/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexTrades pushes trades into Meilisearch (fire-and-forget).
func (s *Service) IndexTrades(trades []store.Trade, calendarID string) {
	if s.meili == nil || !s.meili.Healthy() || len(trades) == 0 {
		return
	}
	records := make([]TradeRecord, 0, len(trades))
	for _, t := range trades {
		records = append(records, RecordFromTrade(t, calendarID))
	}
	go func() {
		if err := s.meili.IndexTrades(records); err != nil {
			log.Printf("search: index trades for calendar %s: %v", calendarID, err)
		}
	}()
}

// DeleteTrades removes trades from the search index (fire-and-forget).
func (s *Service) DeleteTrades(ids []string) {
	if s.meili == nil || !s.meili.Healthy() || len(ids) == 0 {
		return
	}
	go func() {
		if err := s.meili.DeleteTrades(ids); err != nil {
			log.Printf("search: delete %d trades: %v", len(ids), err)
		}
	}()
}

// ReindexCalendar reloads a calendar's trades from PG and pushes them to Meilisearch.
func (s *Service) ReindexCalendar(ctx context.Context, calendarID string) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadCalendarRecords(ctx, calendarID)
	if err != nil {
		log.Printf("search: reindex calendar %s load failed: %v", calendarID, err)
		return
	}
	if err := s.meili.IndexTrades(records); err != nil {
		log.Printf("search: reindex calendar %s: %v", calendarID, err)
	}
}

// ReindexAllFromPG reindexes every trade from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexTrades(records); err != nil {
		log.Printf("search: reindex trades: %v", err)
	}
}

// RecordFromTrade converts a stored trade into its index form.
func RecordFromTrade(t store.Trade, calendarID string) TradeRecord {
	return TradeRecord{
		ID:         t.ID,
		CalendarID: calendarID,
		Date:       t.Date.UTC().Format("2006-01-02"),
		Symbol:     t.Symbol,
		Side:       t.Side,
		Notes:      t.Notes,
		Tags:       t.Tags,
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
