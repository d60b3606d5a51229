package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc", want: "abc"},
		{name: "padded", header: "Bearer   abc  ", want: "abc"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic", header: "Basic abc", wantErr: true},
		{name: "empty", header: "Bearer   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(req)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got token %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthenticateAPIKeyIsAdmin(t *testing.T) {
	t.Parallel()

	p, ok := Authenticate("admin-key", "admin-key", nil)
	if !ok {
		t.Fatal("expected api key to authenticate")
	}
	if !HasAnyScope(p, ScopeProcessRW) || !HasAnyScope(p, ScopeEventsRO) {
		t.Fatalf("api key should carry every scope: %+v", p.Scopes)
	}
}

func TestAuthenticateScopedToken(t *testing.T) {
	t.Parallel()

	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{ScopeProcessRO}},
		{Token: "operator", Scopes: []string{" process:rw ", ""}},
	}

	reader, ok := Authenticate("reader", "", tokens)
	if !ok {
		t.Fatal("reader should authenticate")
	}
	if HasAnyScope(reader, ScopeProcessRW) {
		t.Fatal("reader must not have process:rw")
	}
	if !HasAnyScope(reader, ScopeProcessRO) {
		t.Fatal("reader should have process:ro")
	}

	operator, ok := Authenticate("operator", "", tokens)
	if !ok {
		t.Fatal("operator should authenticate")
	}
	if !HasAnyScope(operator, ScopeProcessRO) {
		t.Fatal("process:rw implies process:ro")
	}
	if len(operator.Scopes) != 2 {
		t.Fatalf("unexpected scopes: %+v", operator.Scopes)
	}

	if _, ok := Authenticate("nope", "", tokens); ok {
		t.Fatal("unknown token must not authenticate")
	}
	if _, ok := Authenticate("", "", tokens); ok {
		t.Fatal("empty token must not authenticate")
	}
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("empty context has no principal")
	}
	ctx := WithPrincipal(context.Background(), Principal{Token: "x"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Token != "x" {
		t.Fatalf("principal not round-tripped: %+v", p)
	}
}

func TestEnabled(t *testing.T) {
	t.Parallel()

	if Enabled("", nil) {
		t.Fatal("no credentials means disabled")
	}
	if !Enabled("k", nil) || !Enabled("", []TokenConfig{{Token: "t"}}) {
		t.Fatal("any credential enables auth")
	}
}
