package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ScoreSettings holds the two tag-reference lists consulted by the score view.
type ScoreSettings struct {
	ExcludedTagsFromPatterns []string `json:"excludedTagsFromPatterns"`
	SelectedTags             []string `json:"selectedTags"`
}

// Calendar is the top-level container for one user's trades. Tags is the
// sorted, deduplicated union of every trade tag across the calendar's year
// shards; the aggregate rebuild restores that invariant after trade edits.
type Calendar struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"userId"`
	Name               string        `json:"name"`
	Tags               []string      `json:"tags"`
	RequiredTagGroups  []string      `json:"requiredTagGroups"`
	ScoreSettings      ScoreSettings `json:"scoreSettings"`
	DuplicatedCalendar bool          `json:"duplicatedCalendar"`
	SourceCalendarID   string        `json:"sourceCalendarId,omitempty"`
	LastModified       time.Time     `json:"lastModified"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// ImageRef points at a blob in the image store. The same blob may be
// referenced from several calendars when one was duplicated from another.
type ImageRef struct {
	ID         string `json:"id"`
	CalendarID string `json:"calendarId"`
}

// Trade is one journal entry. Trades live inside their year shard as a single
// JSON array, so the shard row is the unit of mutation, not the trade.
type Trade struct {
	ID       string     `json:"id"`
	Date     time.Time  `json:"date"`
	Symbol   string     `json:"symbol,omitempty"`
	Side     string     `json:"side,omitempty"`
	Quantity float64    `json:"quantity,omitempty"`
	Entry    float64    `json:"entry,omitempty"`
	Exit     float64    `json:"exit,omitempty"`
	PnL      float64    `json:"pnl,omitempty"`
	Notes    string     `json:"notes,omitempty"`
	Tags     []string   `json:"tags,omitempty"`
	Images   []ImageRef `json:"images,omitempty"`
}

// Year returns the calendar year the trade belongs to. A trade whose date
// crosses a year boundary must move to the matching shard.
func (t Trade) Year() int {
	return t.Date.UTC().Year()
}

// YearShard is the per-year trade document for one calendar.
type YearShard struct {
	CalendarID   string    `json:"calendarId"`
	Year         int       `json:"year"`
	Trades       []Trade   `json:"trades"`
	LastModified time.Time `json:"lastModified"`
}

// CloneTrades returns a deep copy of the shard's trade array so callers can
// diff before/after snapshots without aliasing shared slices.
func CloneTrades(trades []Trade) []Trade {
	if trades == nil {
		return nil
	}
	out := make([]Trade, len(trades))
	for i, t := range trades {
		out[i] = t
		if t.Tags != nil {
			out[i].Tags = append([]string(nil), t.Tags...)
		}
		if t.Images != nil {
			out[i].Images = append([]ImageRef(nil), t.Images...)
		}
	}
	return out
}

func marshalTrades(trades []Trade) ([]byte, error) {
	if trades == nil {
		trades = []Trade{}
	}
	return json.Marshal(trades)
}

func unmarshalTrades(raw []byte) ([]Trade, error) {
	if len(raw) == 0 {
		return []Trade{}, nil
	}
	var trades []Trade
	if err := json.Unmarshal(raw, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// CommitInfo is one commit in a calendar's settings history.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}
