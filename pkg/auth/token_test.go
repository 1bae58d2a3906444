package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestManager_RefreshesLazily(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	source := SourceFunc(func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		return fmt.Sprintf("token-%d", n), nil
	})

	m := NewManager(source, WithClock(clock.Now))
	ctx := context.Background()

	tok, err := m.Token(ctx)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if tok != "token-1" {
		t.Errorf("Token = %q, want token-1", tok)
	}

	clock.Advance(DefaultLease - time.Second)
	if tok, _ := m.Token(ctx); tok != "token-1" {
		t.Errorf("Token before lease end = %q, want token-1", tok)
	}

	clock.Advance(time.Second)
	if tok, _ := m.Token(ctx); tok != "token-2" {
		t.Errorf("Token at lease end = %q, want token-2", tok)
	}

	if calls.Load() != 2 {
		t.Errorf("source called %d times, want 2", calls.Load())
	}
	if got := m.Current().ExpiresAt; !got.Equal(clock.Now().Add(DefaultLease)) {
		t.Errorf("ExpiresAt = %v, want now+lease", got)
	}
}

func TestManager_ConcurrentCallersShareOneRefresh(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	source := SourceFunc(func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "shared-token", nil
	})

	m := NewManager(source)

	const callers = 50
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.Token(context.Background())
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("source called %d times, want exactly 1", calls.Load())
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: unexpected error %v", i, errs[i])
		}
		if tokens[i] != "shared-token" {
			t.Errorf("caller %d: token = %q, want shared-token", i, tokens[i])
		}
	}
}

func TestManager_ConcurrentCallersShareFailedRefresh(t *testing.T) {
	boom := errors.New("endpoint down")
	var calls atomic.Int32
	release := make(chan struct{})
	source := SourceFunc(func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "", boom
	})

	m := NewManager(source)

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Token(context.Background())
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("source called %d times, want exactly 1", calls.Load())
	}
	for i := 0; i < callers; i++ {
		var authErr *AuthError
		if !errors.As(errs[i], &authErr) {
			t.Errorf("caller %d: error = %v, want *AuthError", i, errs[i])
			continue
		}
		if !errors.Is(errs[i], boom) {
			t.Errorf("caller %d: error = %v, want wrapped %v", i, errs[i], boom)
		}
	}

	// A caller arriving after the failure retries.
	if _, err := m.Token(context.Background()); err == nil {
		t.Error("Token after failed refresh should fail again")
	}
	if calls.Load() != 2 {
		t.Errorf("source called %d times, want 2", calls.Load())
	}
}

func TestManager_RefreshFailureIsAuthError(t *testing.T) {
	boom := errors.New("boom")
	m := NewManager(SourceFunc(func(ctx context.Context) (string, error) {
		return "", boom
	}))

	_, err := m.Token(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want *AuthError", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("AuthError should wrap the source error")
	}

	// A failed refresh leaves no token behind; the next call retries.
	if m.Current().Value != "" {
		t.Errorf("token should remain empty after failed refresh")
	}
}

func TestNewManager_NilSourcePanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil source")
		}
	}()
	NewManager(nil)
}

func TestPasswordSource_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if r.PostForm.Get("username") != "alice" || r.PostForm.Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"bad credentials"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access":"abc123","refresh":"zzz"}`))
	}))
	defer server.Close()

	tests := []struct {
		name       string
		username   string
		password   string
		want       string
		wantStatus int
		wantErr    bool
	}{
		{name: "valid credentials", username: "alice", password: "secret", want: "abc123"},
		{name: "rejected credentials", username: "alice", password: "wrong", wantStatus: http.StatusUnauthorized, wantErr: true},
		{name: "missing credentials", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &PasswordSource{
				HTTPClient: server.Client(),
				TokenURL:   server.URL,
				Username:   tt.username,
				Password:   tt.password,
			}

			got, err := src.Fetch(context.Background())
			if tt.wantErr {
				var authErr *AuthError
				if !errors.As(err, &authErr) {
					t.Fatalf("error = %v, want *AuthError", err)
				}
				if authErr.StatusCode != tt.wantStatus {
					t.Errorf("StatusCode = %d, want %d", authErr.StatusCode, tt.wantStatus)
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthError_Error(t *testing.T) {
	err := &AuthError{StatusCode: 401, Message: "unauthorized"}
	if got := err.Error(); got != "auth: credential refresh failed (status 401): unauthorized" {
		t.Errorf("Error() = %q", got)
	}
}
