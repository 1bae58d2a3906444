// Package testutil provides a configurable mock of the document API for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/Sternrassler/doc-harvester/pkg/document"
)

// MockDocument is one record served by MockAPI.
type MockDocument struct {
	ID    string
	Title string
	Slug  string

	// Data is served as metadata.data; values are wrapped in one-element lists.
	Data map[string]string

	// Pages is served as the text payload. NoText makes the payload 404.
	Pages  []document.Page
	NoText bool
}

// MockAPI is a mock document API: credential endpoint, project listing,
// record detail and static text payloads.
type MockAPI struct {
	server *httptest.Server

	mu        sync.Mutex
	projectID string
	documents []MockDocument
	byID      map[string]MockDocument
	failures  map[string][]int
	requests  map[string]int
	tokens    int
	authFail  int
	lastAuth  string
}

// NewMockAPI starts a mock API serving documents under projectID.
func NewMockAPI(projectID string, docs ...MockDocument) *MockAPI {
	m := &MockAPI{
		projectID: projectID,
		byID:      make(map[string]MockDocument),
		failures:  make(map[string][]int),
		requests:  make(map[string]int),
	}
	for _, d := range docs {
		m.AddDocument(d)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /accounts/api/token/", m.handleToken)
	mux.HandleFunc("GET /api/projects/{pid}/documents/", m.handleList)
	mux.HandleFunc("GET /api/documents/{id}/", m.handleDetail)
	mux.HandleFunc("GET /assets/documents/{id}/{file}", m.handleText)

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests[r.URL.Path]++
		queue := m.failures[r.URL.Path]
		var status int
		if len(queue) > 0 {
			status = queue[0]
			m.failures[r.URL.Path] = queue[1:]
		}
		m.mu.Unlock()

		if status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"detail":"injected %d"}`, status)
			return
		}
		mux.ServeHTTP(w, r)
	}))

	return m
}

// URL returns the server root.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// BaseURL returns the API root to configure the client with.
func (m *MockAPI) BaseURL() string {
	return m.server.URL + "/api"
}

// TokenURL returns the credential endpoint.
func (m *MockAPI) TokenURL() string {
	return m.server.URL + "/accounts/api/token/"
}

// Client returns an HTTP client for the server.
func (m *MockAPI) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// AddDocument appends a document to the project listing.
func (m *MockAPI) AddDocument(d MockDocument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Slug == "" {
		d.Slug = "doc-" + d.ID
	}
	m.documents = append(m.documents, d)
	m.byID[d.ID] = d
}

// FailNext queues status codes returned, in order, for the next requests
// to path before the path is served normally again.
func (m *MockAPI) FailNext(path string, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[path] = append(m.failures[path], statuses...)
}

// FailTokens makes the next n credential requests answer 401.
func (m *MockAPI) FailTokens(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authFail = n
}

// Requests returns the number of requests made to path.
func (m *MockAPI) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

// TokenRequests returns the number of tokens issued.
func (m *MockAPI) TokenRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens
}

// LastAuthorization returns the last Authorization header seen on an API call.
func (m *MockAPI) LastAuthorization() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAuth
}

// ListPath returns the listing path of the mock project.
func (m *MockAPI) ListPath() string {
	return "/api/projects/" + m.projectID + "/documents/"
}

// DetailPath returns the detail path of a record.
func (m *MockAPI) DetailPath(id string) string {
	return "/api/documents/" + id + "/"
}

// TextPath returns the text payload path of a record.
func (m *MockAPI) TextPath(id string) string {
	m.mu.Lock()
	slug := m.byID[id].Slug
	m.mu.Unlock()
	return "/assets/documents/" + id + "/" + slug + ".txt.json"
}

func (m *MockAPI) handleToken(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	fail := m.authFail > 0
	if fail {
		m.authFail--
	} else {
		m.tokens++
	}
	n := m.tokens
	m.mu.Unlock()

	if fail || r.ParseForm() != nil || r.PostForm.Get("username") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"invalid credentials"}`))
		return
	}
	writeJSON(w, map[string]string{"access": "token-" + strconv.Itoa(n)})
}

func (m *MockAPI) authorized(w http.ResponseWriter, r *http.Request) bool {
	header := r.Header.Get("Authorization")
	m.mu.Lock()
	m.lastAuth = header
	m.mu.Unlock()
	if !strings.HasPrefix(header, "Bearer token-") {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func (m *MockAPI) handleList(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(w, r) {
		return
	}
	if r.PathValue("pid") != m.projectID {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage <= 0 {
		perPage = 25
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}

	m.mu.Lock()
	docs := append([]MockDocument(nil), m.documents...)
	m.mu.Unlock()

	start := (page - 1) * perPage
	end := start + perPage
	if start > len(docs) {
		start = len(docs)
	}
	if end > len(docs) {
		end = len(docs)
	}

	results := make([]map[string]any, 0, end-start)
	for i, d := range docs[start:end] {
		id, err := strconv.Atoi(d.ID)
		var docField any = d.ID
		if err == nil {
			docField = id
		}
		results = append(results, map[string]any{"id": start + i + 1, "document": docField, "edit_access": true})
	}

	var next any
	if end < len(docs) {
		next = fmt.Sprintf("%s%s?per_page=%d&page=%d", m.server.URL, r.URL.Path, perPage, page+1)
	}

	writeJSON(w, map[string]any{"count": len(docs), "results": results, "next": next})
}

func (m *MockAPI) handleDetail(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(w, r) {
		return
	}
	m.mu.Lock()
	d, ok := m.byID[r.PathValue("id")]
	m.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	data := make(map[string][]string, len(d.Data))
	for k, v := range d.Data {
		data[k] = []string{v}
	}
	writeJSON(w, map[string]any{
		"id":          d.ID,
		"title":       d.Title,
		"slug":        d.Slug,
		"asset_url":   m.server.URL + "/assets/",
		"page_count":  len(d.Pages),
		"created_at":  "2024-05-01T12:00:00Z",
		"description": "description of " + d.ID,
		"data":        data,
	})
}

func (m *MockAPI) handleText(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	d, ok := m.byID[r.PathValue("id")]
	m.mu.Unlock()
	if !ok || d.NoText || r.PathValue("file") != d.Slug+".txt.json" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	pages := d.Pages
	if pages == nil {
		pages = []document.Page{}
	}
	writeJSON(w, map[string]any{"pages": pages})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
