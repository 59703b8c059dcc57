package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string   `json:"id"`
	CalendarID string   `json:"calendarId"`
	Date       string   `json:"date"`
	Symbol     string   `json:"symbol"`
	Snippet    string   `json:"snippet"`
	Tags       []string `json:"tags"`
}

// Query describes a search request. CalendarID scopes the search to
// a single calendar; Tag further restricts to trades carrying that tag.
type Query struct {
	Text       string
	CalendarID string
	Tag        string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over trades.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push trades into a search index.
type Indexer interface {
	IndexTrades(trades []TradeRecord) error
	DeleteTrades(ids []string) error
}

// TradeRecord is the data we index for a trade.
type TradeRecord struct {
	ID         string   `json:"id"`
	CalendarID string   `json:"calendarId"`
	Date       string   `json:"date"`
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	Notes      string   `json:"notes"`
	Tags       []string `json:"tags"`
}
