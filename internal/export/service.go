package export

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"tradebook/api/internal/store"
)

// DataStore is the data access the exporter needs.
type DataStore interface {
	GetCalendar(ctx context.Context, id string) (store.Calendar, error)
	GetYearShard(ctx context.Context, calendarID string, year int) (store.YearShard, error)
}

// Service renders calendar year reports.
type Service struct {
	store DataStore
}

// NewService creates an export service.
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export renders the requested year of a calendar as a PDF report.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	cal, err := s.store.GetCalendar(ctx, req.CalendarID)
	if err != nil {
		return nil, fmt.Errorf("get calendar: %w", err)
	}

	shard, err := s.store.GetYearShard(ctx, req.CalendarID, req.Year)
	if err != nil {
		return nil, fmt.Errorf("get year shard: %w", err)
	}

	data := buildTemplateData(cal, shard)

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	return renderPDF(html, fmt.Sprintf("%s %d", cal.Name, req.Year))
}

// ExportReport is the flattened form used by the HTTP layer.
func (s *Service) ExportReport(ctx context.Context, calendarID string, year int) ([]byte, string, string, error) {
	result, err := s.Export(ctx, Request{CalendarID: calendarID, Year: year})
	if err != nil {
		return nil, "", "", err
	}
	return result.Data, result.Filename, result.MimeType, nil
}

func buildTemplateData(cal store.Calendar, shard store.YearShard) TemplateData {
	data := TemplateData{
		CalendarName: cal.Name,
		Year:         shard.Year,
		GeneratedAt:  time.Now().UTC(),
		TradeCount:   len(shard.Trades),
	}

	trades := store.CloneTrades(shard.Trades)
	sort.Slice(trades, func(i, j int) bool { return trades[i].Date.Before(trades[j].Date) })

	tagCounts := map[string]int{}
	for _, t := range trades {
		data.TotalPnL += t.PnL
		if t.PnL > 0 {
			data.WinCount++
		} else if t.PnL < 0 {
			data.LossCount++
		}
		for _, tag := range t.Tags {
			tagCounts[tag]++
		}
		data.Trades = append(data.Trades, TemplateTrade{
			Date:   t.Date,
			Symbol: t.Symbol,
			Side:   t.Side,
			Entry:  t.Entry,
			Exit:   t.Exit,
			PnL:    t.PnL,
			Tags:   strings.Join(t.Tags, ", "),
			Notes:  t.Notes,
		})
	}

	for tag, count := range tagCounts {
		data.TagSummary = append(data.TagSummary, TagCount{Tag: tag, Count: count})
	}
	sort.Slice(data.TagSummary, func(i, j int) bool {
		if data.TagSummary[i].Count != data.TagSummary[j].Count {
			return data.TagSummary[i].Count > data.TagSummary[j].Count
		}
		return data.TagSummary[i].Tag < data.TagSummary[j].Tag
	})

	return data
}
