package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultTokenURL is the credential endpoint of the document API.
const DefaultTokenURL = "https://accounts.muckrock.com/api/token/"

// PasswordSource exchanges a username and password for an access token by
// POSTing a form to the credential endpoint, which answers {"access": "..."}.
type PasswordSource struct {
	HTTPClient *http.Client
	TokenURL   string
	Username   string
	Password   string
}

type tokenResponse struct {
	Access string `json:"access"`
}

// Fetch implements Source.
func (s *PasswordSource) Fetch(ctx context.Context) (string, error) {
	if s.Username == "" || s.Password == "" {
		return "", &AuthError{Err: ErrNoCredentials}
	}

	endpoint := s.TokenURL
	if endpoint == "" {
		endpoint = DefaultTokenURL
	}
	form := url.Values{"username": {s.Username}, "password": {s.Password}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	httpClient := s.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &AuthError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", &AuthError{StatusCode: resp.StatusCode, Message: "decode token response", Err: err}
	}
	if tr.Access == "" {
		return "", &AuthError{StatusCode: resp.StatusCode, Message: "token response has no access field"}
	}

	return tr.Access, nil
}
