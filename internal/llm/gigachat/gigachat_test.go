package gigachat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/archdraw/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAPI struct {
	tokenCalls  atomic.Int32
	tokenStatus int
	expiresIn   int
	models      string
	modelStatus int
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("oauth method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Basic secret" {
			t.Errorf("oauth Authorization = %q, want Basic secret", got)
		}
		if r.Header.Get("RqUID") == "" {
			t.Error("oauth request missing RqUID")
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("scope"); got != DefaultScope {
			t.Errorf("scope = %q, want %s", got, DefaultScope)
		}
		if f.tokenStatus != 0 && f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			io.WriteString(w, `{"message":"bad credentials"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		expires := f.expiresIn
		if expires == 0 {
			expires = 1800
		}
		io.WriteString(w, `{"access_token":"tok-1","expires_in":`+strconv.Itoa(expires)+`}`)
	})
	mux.HandleFunc("/api/v1/models", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("models Authorization = %q, want Bearer tok-1", got)
		}
		if f.modelStatus != 0 {
			w.WriteHeader(f.modelStatus)
			io.WriteString(w, `{"error":{"message":"boom"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, f.models)
	})
	mux.HandleFunc("/api/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("chat Authorization = %q, want Bearer tok-1", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"1","model":"GigaChat-Pro","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`)
	})
	return mux
}

func newTestClient(srv *httptest.Server, opts ...Option) *Client {
	opts = append([]Option{WithHTTPClient(srv.Client())}, opts...)
	return New(Config{
		ClientSecret: "secret",
		AuthURL:      srv.URL + "/oauth",
		BaseURL:      srv.URL + "/api/v1",
	}, discardLogger(), opts...)
}

func TestSendMessage_UsesAccessToken(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	c := newTestClient(srv)
	resp, err := c.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Create diagram: x"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
	if c.Name() != "gigachat" {
		t.Errorf("Name() = %q", c.Name())
	}
}

func TestAccessToken_Cached(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	c := newTestClient(srv)
	for i := 0; i < 3; i++ {
		if err := c.CheckCredentials(context.Background()); err != nil {
			t.Fatalf("CheckCredentials: %v", err)
		}
	}
	if n := api.tokenCalls.Load(); n != 1 {
		t.Errorf("token calls = %d, want 1", n)
	}
}

func TestAccessToken_RefreshedNearExpiry(t *testing.T) {
	api := &fakeAPI{expiresIn: 1800}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := newTestClient(srv, WithClock(clock))

	if err := c.CheckCredentials(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	now = now.Add(24 * time.Minute)
	mu.Unlock()
	if err := c.CheckCredentials(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := api.tokenCalls.Load(); n != 1 {
		t.Fatalf("token calls = %d after 24m, want 1", n)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if err := c.CheckCredentials(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := api.tokenCalls.Load(); n != 2 {
		t.Errorf("token calls = %d inside refresh margin, want 2", n)
	}
}

func TestCheckCredentials_Rejected(t *testing.T) {
	api := &fakeAPI{tokenStatus: http.StatusUnauthorized}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	err := newTestClient(srv).CheckCredentials(context.Background())
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *llm.APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", apiErr.StatusCode)
	}
}

func TestCheckCredentials_MissingSecret(t *testing.T) {
	c := New(Config{AuthURL: "http://127.0.0.1:0/oauth"}, discardLogger())
	if err := c.CheckCredentials(context.Background()); err == nil {
		t.Fatal("expected error without client secret")
	}
}

func TestListModels_FiltersGigaChat(t *testing.T) {
	api := &fakeAPI{models: `{"object":"list","data":[
		{"id":"GigaChat","object":"model","owned_by":"salutedevices"},
		{"id":"GigaChat-Max","object":"model","owned_by":"salutedevices"},
		{"id":"Embeddings","object":"model","owned_by":"salutedevices"}
	]}`}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	models, err := newTestClient(srv).ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("models = %+v, want 2 GigaChat entries", models)
	}
	if models[1].ID != "GigaChat-Max" || models[1].Description != "GigaChat-Max (maximum)" {
		t.Errorf("models[1] = %+v", models[1])
	}
}

func TestListModels_FallsBackOnError(t *testing.T) {
	api := &fakeAPI{modelStatus: http.StatusInternalServerError}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	models, err := newTestClient(srv).ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != len(KnownModels) {
		t.Fatalf("models = %+v, want known models", models)
	}
	for i := range models {
		if models[i].ID != KnownModels[i].ID {
			t.Errorf("models[%d] = %q, want %q", i, models[i].ID, KnownModels[i].ID)
		}
	}
}

func TestListModels_TokenErrorPropagates(t *testing.T) {
	api := &fakeAPI{tokenStatus: http.StatusForbidden}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	if _, err := newTestClient(srv).ListModels(context.Background()); err == nil {
		t.Fatal("expected token error")
	}
}
