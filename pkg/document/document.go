// Package document defines the values passed between the harvester stages:
// the persisted bundle and the statistics rows derived from it.
package document

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Page is one page of extracted text.
type Page struct {
	Number   int    `json:"page"`
	Contents string `json:"contents"`
}

// Metadata is the record detail returned by the document API, kept opaque.
type Metadata map[string]any

// Bundle is the object written to the store for one record.
type Bundle struct {
	ID       string   `json:"id"`
	Metadata Metadata `json:"metadata"`
	Pages    []Page   `json:"pages"`
}

// legacyBundle is the layout written by earlier exporters.
type legacyBundle struct {
	DocID    json.RawMessage `json:"doc_id"`
	TextJSON struct {
		Pages []Page `json:"pages"`
	} `json:"text_json"`
}

// UnmarshalJSON accepts both the current layout and the legacy
// {doc_id, metadata, text_json: {pages}} layout.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	type plain Bundle
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var legacy legacyBundle
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	if p.ID == "" && len(legacy.DocID) > 0 {
		p.ID = rawID(legacy.DocID)
	}
	if p.Pages == nil && legacy.TextJSON.Pages != nil {
		p.Pages = legacy.TextJSON.Pages
	}

	*b = Bundle(p)
	return nil
}

// Empty reports whether the bundle carries no text.
func (b *Bundle) Empty() bool {
	return len(b.Pages) == 0
}

// SortPages orders pages ascending by page number, keeping the input order
// for equal numbers.
func (b *Bundle) SortPages() {
	sort.SliceStable(b.Pages, func(i, j int) bool {
		return b.Pages[i].Number < b.Pages[j].Number
	})
}

// String returns the value of key as a string, or "" when absent.
func (m Metadata) String(key string) string {
	return stringify(m[key])
}

// Int returns the value of key as an int, or 0 when absent or not numeric.
func (m Metadata) Int(key string) (int, bool) {
	return toInt(m[key])
}

// DataString returns the first element of metadata.data[key], which the API
// encodes as a list of strings.
func (m Metadata) DataString(key string) string {
	data, ok := m["data"].(map[string]any)
	if !ok {
		return ""
	}
	switch v := data[key].(type) {
	case []any:
		if len(v) == 0 {
			return ""
		}
		return stringify(v[0])
	default:
		return stringify(v)
	}
}

// DataInt is DataString parsed as an integer.
func (m Metadata) DataInt(key string) int {
	s := m.DataString(key)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return int(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	default:
		return 0, false
	}
}

func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
