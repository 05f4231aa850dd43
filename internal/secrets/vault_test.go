package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func kvV2Response(data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{"data": data, "metadata": map[string]any{"version": 1}},
	})
	return b
}

// clearVaultEnv keeps the host environment out of the tests.
func clearVaultEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"VAULT_ADDR", "VAULT_TOKEN", "VAULT_NAMESPACE"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func newVault(t *testing.T, handler http.HandlerFunc) *VaultProvider {
	t.Helper()
	clearVaultEnv(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	vp, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "test-token", Namespace: "team"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	return vp
}

func TestVaultProvider_ResolveField(t *testing.T) {
	vp := newVault(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/archdraw/llm" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.Header.Get("X-Vault-Namespace") != "team" {
			t.Errorf("namespace = %q", r.Header.Get("X-Vault-Namespace"))
		}
		w.Write(kvV2Response(map[string]any{"gigachat": "s3cret", "proxyapi": "other"}))
	})

	got, err := vp.Resolve(context.Background(), "vault://secret/data/archdraw/llm#gigachat")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("got %q, want s3cret", got)
	}
}

func TestVaultProvider_ResolveWholeMap(t *testing.T) {
	vp := newVault(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(kvV2Response(map[string]any{"a": "1"}))
	})
	got, err := vp.Resolve(context.Background(), "vault://secret/data/x")
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"a":"1"}` {
		t.Errorf("got %q", got)
	}
}

func TestVaultProvider_Errors(t *testing.T) {
	vp := newVault(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/secret/data/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/v1/secret/data/present":
			w.Write(kvV2Response(map[string]any{"n": 1}))
		default:
			http.NotFound(w, r)
		}
	})

	tests := []struct {
		name     string
		ref      string
		notFound bool
	}{
		{"missing path", "vault://secret/data/missing#k", true},
		{"missing field", "vault://secret/data/present#other", true},
		{"empty path", "vault://#k", true},
		{"wrong scheme", "env://X", true},
		{"forbidden", "vault://secret/data/forbidden#k", false},
		{"non-string field", "vault://secret/data/present#n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := vp.Resolve(context.Background(), tt.ref)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrSecretNotFound); got != tt.notFound {
				t.Errorf("errors.Is(ErrSecretNotFound) = %v, want %v (err: %v)", got, tt.notFound, err)
			}
		})
	}
}

func TestVaultProvider_EnvOverride(t *testing.T) {
	clearVaultEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "env-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write(kvV2Response(map[string]any{"k": "v"}))
	}))
	defer srv.Close()
	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "env-token")

	vp, err := NewVaultProvider(VaultConfig{Address: "http://ignored:1", Token: "ignored"})
	if err != nil {
		t.Fatal(err)
	}
	if got, err := vp.Resolve(context.Background(), "vault://kv/data/x#k"); err != nil || got != "v" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
}

func TestNewVaultProvider_Required(t *testing.T) {
	clearVaultEnv(t)
	if _, err := NewVaultProvider(VaultConfig{Token: "t"}); err == nil {
		t.Error("expected error without address")
	}
	if _, err := NewVaultProvider(VaultConfig{Address: "http://localhost:8200"}); err == nil {
		t.Error("expected error without token")
	}
}
