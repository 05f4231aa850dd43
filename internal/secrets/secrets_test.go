package secrets

import (
	"context"
	"errors"
	"testing"
)

type staticProvider struct {
	scheme string
	value  string
}

func (p staticProvider) Scheme() string { return p.scheme }

func (p staticProvider) Resolve(context.Context, string) (string, error) { return p.value, nil }

func TestIsReference(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"env://GIGACHAT_CLIENT_SECRET", true},
		{"vault://secret/data/x#k", true},
		{"plain-api-key", false},
		{"env://", false},
		{"", false},
		{"sk-abc://", false},
	}
	for _, tt := range tests {
		if got := IsReference(tt.value); got != tt.want {
			t.Errorf("IsReference(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestResolver_Resolve(t *testing.T) {
	t.Setenv("ARCHDRAW_TEST_KEY", "from-env")
	r := NewResolver(NewEnvProvider(), staticProvider{scheme: "vault", value: "from-vault"})
	ctx := context.Background()

	tests := []struct {
		value string
		want  string
	}{
		{"literal", "literal"},
		{"env://ARCHDRAW_TEST_KEY", "from-env"},
		{"vault://kv/data/x#k", "from-vault"},
		{"https://proxyapi.ru/v1", "https://proxyapi.ru/v1"},
	}
	for _, tt := range tests {
		got, err := r.Resolve(ctx, tt.value)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.value, err)
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestResolver_UnknownScheme(t *testing.T) {
	_, err := NewResolver(NewEnvProvider()).Resolve(context.Background(), "vault://x#y")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("err = %v, want ErrSecretNotFound", err)
	}
}

func TestEnvProvider_Unset(t *testing.T) {
	_, err := NewEnvProvider().Resolve(context.Background(), "env://ARCHDRAW_SURELY_UNSET_VAR")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("err = %v, want ErrSecretNotFound", err)
	}
}

func TestResolver_ResolveAll(t *testing.T) {
	t.Setenv("ARCHDRAW_TEST_TOKEN", "tok")
	token := "env://ARCHDRAW_TEST_TOKEN"
	key := "literal"
	empty := ""
	if err := NewResolver(NewEnvProvider()).ResolveAll(context.Background(), &token, &key, &empty, nil); err != nil {
		t.Fatal(err)
	}
	if token != "tok" || key != "literal" || empty != "" {
		t.Errorf("got token=%q key=%q empty=%q", token, key, empty)
	}
}
