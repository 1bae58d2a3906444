package document

import (
	"strconv"
)

// DocumentStatsHeader is the column layout of the document stats ledger.
var DocumentStatsHeader = []string{
	"doc_id", "title", "organization", "request_number", "description",
	"created_at", "page_count", "file_size", "token_total",
	"token_avg_per_page", "token_min", "token_max", "token_std_dev",
}

// PageStatsHeader is the column layout of the page stats ledger.
var PageStatsHeader = []string{"doc_id", "page_number", "tokens_per_page"}

// DocumentStats is one row of the document stats ledger.
type DocumentStats struct {
	DocID         string
	Title         string
	Organization  string
	RequestNumber string
	Description   string
	CreatedAt     string
	PageCount     int
	FileSize      int
	TokenTotal    int
	TokenAvg      float64
	TokenMin      int
	TokenMax      int
	TokenStdDev   float64
}

// Row renders the stats in DocumentStatsHeader order.
func (s DocumentStats) Row() []string {
	return []string{
		s.DocID,
		s.Title,
		s.Organization,
		s.RequestNumber,
		s.Description,
		s.CreatedAt,
		strconv.Itoa(s.PageCount),
		strconv.Itoa(s.FileSize),
		strconv.Itoa(s.TokenTotal),
		formatFloat(s.TokenAvg),
		strconv.Itoa(s.TokenMin),
		strconv.Itoa(s.TokenMax),
		formatFloat(s.TokenStdDev),
	}
}

// PageStats is one row of the page stats ledger.
type PageStats struct {
	DocID      string
	PageNumber int
	TokenCount int
}

// Row renders the stats in PageStatsHeader order.
func (s PageStats) Row() []string {
	return []string{s.DocID, strconv.Itoa(s.PageNumber), strconv.Itoa(s.TokenCount)}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
