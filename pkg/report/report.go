// Package report summarizes the document and page stats tables written by
// the stats pipeline. It is descriptive only: counts, moments, quantiles
// and per-page-number averages rendered as aligned text.
package report

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/Sternrassler/doc-harvester/pkg/document"
	"github.com/Sternrassler/doc-harvester/pkg/ledger"
)

// PageCountQuantiles are the quantiles reported for document page counts.
var PageCountQuantiles = []float64{0.5, 0.9, 0.95, 0.99, 0.999}

// numericColumns are the document columns summarized as numbers.
var numericColumns = []string{
	"page_count", "file_size", "token_total", "token_avg_per_page",
	"token_min", "token_max", "token_std_dev",
}

// Data holds the parsed tables. Rows are deduplicated by document id and by
// (document id, page number); a later row replaces an earlier one.
type Data struct {
	// Documents maps a numeric column name to its values, one per document.
	Documents map[string][]float64
	// DocumentCount is the number of distinct documents.
	DocumentCount int
	// Pages holds one entry per distinct page.
	Pages []document.PageStats
}

// Load reads and parses both tables.
func Load(documentsPath, pagesPath string) (*Data, error) {
	header, docRows, err := ledger.ReadTable(documentsPath)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(header, document.DocumentStatsHeader) {
		return nil, fmt.Errorf("%s: %w", documentsPath, ledger.ErrHeaderMismatch)
	}
	header, pageRows, err := ledger.ReadTable(pagesPath)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(header, document.PageStatsHeader) {
		return nil, fmt.Errorf("%s: %w", pagesPath, ledger.ErrHeaderMismatch)
	}

	d := &Data{Documents: make(map[string][]float64, len(numericColumns))}

	index := make(map[string]int, len(document.DocumentStatsHeader))
	for i, name := range document.DocumentStatsHeader {
		index[name] = i
	}
	latest := make(map[string][]string, len(docRows))
	var order []string
	for _, row := range docRows {
		if _, seen := latest[row[0]]; !seen {
			order = append(order, row[0])
		}
		latest[row[0]] = row
	}
	for _, id := range order {
		row := latest[id]
		for _, col := range numericColumns {
			v, err := parseNumber(row[index[col]])
			if err != nil {
				return nil, fmt.Errorf("%s: document %s column %s: %w", documentsPath, id, col, err)
			}
			d.Documents[col] = append(d.Documents[col], v)
		}
	}
	d.DocumentCount = len(order)

	type pageKey struct {
		doc  string
		page int
	}
	pos := make(map[pageKey]int, len(pageRows))
	for _, row := range pageRows {
		page, err := strconv.Atoi(row[1])
		if err != nil {
			return nil, fmt.Errorf("%s: document %s page number: %w", pagesPath, row[0], err)
		}
		tokens, err := strconv.Atoi(row[2])
		if err != nil {
			return nil, fmt.Errorf("%s: document %s page %d tokens: %w", pagesPath, row[0], page, err)
		}
		ps := document.PageStats{DocID: row[0], PageNumber: page, TokenCount: tokens}
		k := pageKey{row[0], page}
		if i, ok := pos[k]; ok {
			d.Pages[i] = ps
			continue
		}
		pos[k] = len(d.Pages)
		d.Pages = append(d.Pages, ps)
	}

	return d, nil
}

func parseNumber(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// Describe is the descriptive summary of one numeric series.
type Describe struct {
	Count  int
	Mean   float64
	Std    float64
	Min    float64
	P25    float64
	Median float64
	P75    float64
	Max    float64
}

// Quantile is one quantile of a series.
type Quantile struct {
	Q     float64
	Value float64
}

// PageAverage is the mean token count of all pages with one page number.
type PageAverage struct {
	PageNumber int
	Pages      int
	MeanTokens float64
}

// Column pairs a column name with its summary.
type Column struct {
	Name string
	Describe
}

// Summary is the report over both tables.
type Summary struct {
	Documents          int
	Pages              int
	Columns            []Column
	PageCountQuantiles []Quantile
	TokensPerPage      Describe
	TokensByPageNumber []PageAverage
}

// Summarize computes the report.
func Summarize(d *Data) *Summary {
	s := &Summary{
		Documents: d.DocumentCount,
		Pages:     len(d.Pages),
	}

	for _, col := range numericColumns {
		s.Columns = append(s.Columns, Column{Name: col, Describe: describe(d.Documents[col])})
	}

	pageCounts := sorted(d.Documents["page_count"])
	for _, q := range PageCountQuantiles {
		s.PageCountQuantiles = append(s.PageCountQuantiles, Quantile{Q: q, Value: quantile(pageCounts, q)})
	}

	tokens := make([]float64, len(d.Pages))
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for i, p := range d.Pages {
		tokens[i] = float64(p.TokenCount)
		sums[p.PageNumber] += float64(p.TokenCount)
		counts[p.PageNumber]++
	}
	s.TokensPerPage = describe(tokens)

	numbers := make([]int, 0, len(counts))
	for n := range counts {
		numbers = append(numbers, n)
	}
	slices.Sort(numbers)
	for _, n := range numbers {
		s.TokensByPageNumber = append(s.TokensByPageNumber, PageAverage{
			PageNumber: n,
			Pages:      counts[n],
			MeanTokens: sums[n] / float64(counts[n]),
		})
	}

	return s
}

// describe returns count, mean, sample standard deviation, extremes and
// quartiles. An empty series is all NaN except Count.
func describe(values []float64) Describe {
	if len(values) == 0 {
		nan := math.NaN()
		return Describe{Mean: nan, Std: nan, Min: nan, P25: nan, Median: nan, P75: nan, Max: nan}
	}
	v := sorted(values)

	var sum float64
	for _, x := range v {
		sum += x
	}
	mean := sum / float64(len(v))

	std := math.NaN()
	if len(v) > 1 {
		var ss float64
		for _, x := range v {
			ss += (x - mean) * (x - mean)
		}
		std = math.Sqrt(ss / float64(len(v)-1))
	}

	return Describe{
		Count:  len(v),
		Mean:   mean,
		Std:    std,
		Min:    v[0],
		P25:    quantile(v, 0.25),
		Median: quantile(v, 0.5),
		P75:    quantile(v, 0.75),
		Max:    v[len(v)-1],
	}
}

func sorted(values []float64) []float64 {
	v := slices.Clone(values)
	slices.Sort(v)
	return v
}

// quantile interpolates linearly between the closest ranks of a sorted
// series.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}

// Write renders the summary as aligned text. At most maxPageNumbers rows
// of the per-page-number table are written; zero writes all of them.
func (s *Summary) Write(w io.Writer, maxPageNumbers int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintf(tw, "Documents:\t%d\t\n", s.Documents)
	fmt.Fprintf(tw, "Pages:\t%d\t\n", s.Pages)

	fmt.Fprintln(tw, "\nDocument stats summary:")
	fmt.Fprintln(tw, "column\tcount\tmean\tstd\tmin\t25%\t50%\t75%\tmax\t")
	for _, c := range s.Columns {
		writeDescribe(tw, c.Name, c.Describe)
	}

	fmt.Fprintln(tw, "\nPage count quantiles:")
	for _, q := range s.PageCountQuantiles {
		fmt.Fprintf(tw, "%s\t%s\t\n", formatFloat(q.Q), formatFloat(q.Value))
	}

	fmt.Fprintln(tw, "\nTokens per page:")
	fmt.Fprintln(tw, "\tcount\tmean\tstd\tmin\t25%\t50%\t75%\tmax\t")
	writeDescribe(tw, "tokens_per_page", s.TokensPerPage)

	fmt.Fprintln(tw, "\nAverage tokens by page number:")
	fmt.Fprintln(tw, "page_number\tpages\tmean_tokens\t")
	rows := s.TokensByPageNumber
	if maxPageNumbers > 0 && len(rows) > maxPageNumbers {
		rows = rows[:maxPageNumbers]
	}
	for _, p := range rows {
		fmt.Fprintf(tw, "%d\t%d\t%s\t\n", p.PageNumber, p.Pages, formatFloat(p.MeanTokens))
	}
	if len(rows) < len(s.TokensByPageNumber) {
		fmt.Fprintf(tw, "... %d more\t\t\t\n", len(s.TokensByPageNumber)-len(rows))
	}

	return tw.Flush()
}

func writeDescribe(w io.Writer, name string, d Describe) {
	fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
		name, d.Count,
		formatFloat(d.Mean), formatFloat(d.Std),
		formatFloat(d.Min), formatFloat(d.P25), formatFloat(d.Median), formatFloat(d.P75),
		formatFloat(d.Max))
}

func formatFloat(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	s := strconv.FormatFloat(f, 'f', 4, 64)
	return strings.TrimSuffix(strings.TrimRight(s, "0"), ".")
}
