// Package stats computes per-document and per-page token statistics over
// the exported bundles and appends them to restart-safe CSV tables.
package stats

import (
	"math"

	"github.com/Sternrassler/doc-harvester/pkg/document"
)

// Compute sorts the bundle's pages by page number, counts the tokens of
// each page and returns the document row and one row per page. Page rows
// are numbered by position after sorting. A bundle without pages yields
// zero aggregates.
func Compute(b *document.Bundle, tokenize Tokenizer) (document.DocumentStats, []document.PageStats) {
	if tokenize == nil {
		tokenize = CountTokens
	}
	b.SortPages()

	counts := make([]int, len(b.Pages))
	pages := make([]document.PageStats, len(b.Pages))
	for i, p := range b.Pages {
		counts[i] = tokenize(p.Contents)
		pages[i] = document.PageStats{DocID: b.ID, PageNumber: i, TokenCount: counts[i]}
	}

	meta := b.Metadata
	pageCount, ok := meta.Int("page_count")
	if !ok {
		pageCount = len(b.Pages)
	}

	doc := document.DocumentStats{
		DocID:         b.ID,
		Title:         meta.String("title"),
		Organization:  meta.DataString("organization"),
		RequestNumber: meta.DataString("request_number"),
		Description:   meta.String("description"),
		CreatedAt:     meta.String("created_at"),
		PageCount:     pageCount,
		FileSize:      meta.DataInt("file_size"),
	}
	doc.TokenTotal, doc.TokenAvg, doc.TokenMin, doc.TokenMax, doc.TokenStdDev = aggregate(counts)

	return doc, pages
}

// aggregate returns sum, mean, min, max and sample standard deviation.
// The deviation is 0 for fewer than two values.
func aggregate(counts []int) (total int, mean float64, lo, hi int, std float64) {
	if len(counts) == 0 {
		return 0, 0, 0, 0, 0
	}
	lo, hi = counts[0], counts[0]
	for _, c := range counts {
		total += c
		lo = min(lo, c)
		hi = max(hi, c)
	}
	mean = float64(total) / float64(len(counts))

	if len(counts) > 1 {
		var ss float64
		for _, c := range counts {
			d := float64(c) - mean
			ss += d * d
		}
		std = math.Sqrt(ss / float64(len(counts)-1))
	}
	return total, mean, lo, hi, std
}
