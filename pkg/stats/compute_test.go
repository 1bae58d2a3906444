package stats

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/Sternrassler/doc-harvester/pkg/document"
)

func wordCount(text string) int {
	return len(strings.Fields(text))
}

func TestCompute_SortsPagesBeforeCounting(t *testing.T) {
	raw := `{"id":"5","metadata":{},"pages":[
		{"page":2,"contents":"c c c"},
		{"page":0,"contents":"a"},
		{"page":1,"contents":"b b"}]}`

	var b document.Bundle
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		t.Fatal(err)
	}

	var seen []string
	tokenize := func(text string) int {
		seen = append(seen, text)
		return wordCount(text)
	}
	doc, pages := Compute(&b, tokenize)

	if strings.Join(seen, "|") != "a|b b|c c c" {
		t.Errorf("tokenized in order %q, want pages 0,1,2", seen)
	}
	for i, p := range pages {
		if p.PageNumber != i || p.TokenCount != i+1 || p.DocID != "5" {
			t.Errorf("pages[%d] = %+v", i, p)
		}
	}
	if doc.TokenTotal != 6 || doc.TokenMin != 1 || doc.TokenMax != 3 || doc.TokenAvg != 2 {
		t.Errorf("aggregates = %+v", doc)
	}
	if doc.TokenStdDev != 1 {
		t.Errorf("TokenStdDev = %v, want 1 (sample deviation)", doc.TokenStdDev)
	}
	if doc.PageCount != 3 {
		t.Errorf("PageCount = %d, want 3 from pages", doc.PageCount)
	}
}

func TestCompute_NumbersPagesByPosition(t *testing.T) {
	b := document.Bundle{ID: "7", Pages: []document.Page{
		{Number: 5, Contents: "e e e"},
		{Number: 3, Contents: "c"},
		{Number: 9, Contents: "i i"},
	}}
	_, pages := Compute(&b, wordCount)

	want := []document.PageStats{
		{DocID: "7", PageNumber: 0, TokenCount: 1},
		{DocID: "7", PageNumber: 1, TokenCount: 3},
		{DocID: "7", PageNumber: 2, TokenCount: 2},
	}
	if len(pages) != len(want) {
		t.Fatalf("pages = %+v, want %+v", pages, want)
	}
	for i := range want {
		if pages[i] != want[i] {
			t.Errorf("pages[%d] = %+v, want %+v", i, pages[i], want[i])
		}
	}
}

func TestCompute_ZeroPages(t *testing.T) {
	b := document.Bundle{ID: "9", Metadata: document.Metadata{"title": "Scan"}, Pages: []document.Page{}}
	doc, pages := Compute(&b, nil)

	if len(pages) != 0 {
		t.Errorf("pages = %v, want none", pages)
	}
	if doc.TokenTotal != 0 || doc.TokenAvg != 0 || doc.TokenMin != 0 || doc.TokenMax != 0 || doc.TokenStdDev != 0 {
		t.Errorf("aggregates = %+v, want all zero", doc)
	}
	row := doc.Row()
	if row[8] != "0" || row[9] != "0" || row[10] != "0" || row[11] != "0" || row[12] != "0" {
		t.Errorf("row = %v, want zero aggregates", row)
	}
}

func TestCompute_SinglePageHasZeroDeviation(t *testing.T) {
	b := document.Bundle{ID: "1", Pages: []document.Page{{Number: 0, Contents: "one two"}}}
	doc, _ := Compute(&b, wordCount)
	if doc.TokenStdDev != 0 || doc.TokenAvg != 2 {
		t.Errorf("aggregates = %+v", doc)
	}
}

func TestCompute_MetadataProjection(t *testing.T) {
	raw := `{
		"doc_id": 77,
		"metadata": {
			"title": "Contract",
			"description": "Signed copy",
			"created_at": "2023-01-02T03:04:05Z",
			"page_count": 10,
			"data": {"organization": ["Port Authority"], "request_number": ["FOIA-9"], "file_size": ["4096"]}
		},
		"text_json": {"pages": [{"page": 0, "contents": "x y"}]}
	}`
	var b document.Bundle
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		t.Fatal(err)
	}

	doc, _ := Compute(&b, wordCount)
	want := document.DocumentStats{
		DocID:         "77",
		Title:         "Contract",
		Organization:  "Port Authority",
		RequestNumber: "FOIA-9",
		Description:   "Signed copy",
		CreatedAt:     "2023-01-02T03:04:05Z",
		PageCount:     10,
		FileSize:      4096,
		TokenTotal:    2,
		TokenAvg:      2,
		TokenMin:      2,
		TokenMax:      2,
	}
	if doc != want {
		t.Errorf("Compute() = %+v\nwant %+v", doc, want)
	}
}

func TestAggregate(t *testing.T) {
	total, mean, lo, hi, std := aggregate([]int{2, 4, 4, 4, 5, 5, 7, 9})
	if total != 40 || mean != 5 || lo != 2 || hi != 9 {
		t.Errorf("aggregate = %d %v %d %d", total, mean, lo, hi)
	}
	// Sample deviation of the classic population-σ=2 series.
	if want := math.Sqrt(32.0 / 7.0); math.Abs(std-want) > 1e-12 {
		t.Errorf("std = %v, want %v", std, want)
	}
}
