package models

import (
	"errors"
	"testing"

	"github.com/haasonsaas/switchyard/internal/gwerrors"
)

func testConfig() Config {
	return Config{
		Default: "anthropic/claude-sonnet-4-5",
		Catalog: []Entry{
			{Provider: "anthropic", ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Aliases: []string{"sonnet"}},
			{Provider: "anthropic", ID: "claude-opus-4-1", Name: "Claude Opus 4.1", Aliases: []string{"opus"}},
			{Provider: "openai", ID: "gpt-4o", Name: "GPT-4o"},
			{Provider: "openai", ID: "gpt-4o-mini", Name: "GPT-4o mini"},
			{Provider: "ollama", ID: "gpt-oss-20b"},
			{Provider: "ollama", ID: "gpt-oss-120b"},
			{Provider: "openrouter", ID: "gpt-oss-20b"},
		},
		Aliases: map[string]string{
			"Local": "ollama/gpt-oss-20b",
		},
	}
}

func newTestResolver(t *testing.T, mutate ...func(*Config)) *Resolver {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := NewResolver(cfg)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return r
}

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		raw     string
		def     string
		want    Ref
		wantErr bool
	}{
		{"openai/gpt-4o", "", Ref{"openai", "gpt-4o"}, false},
		{"OpenAI/gpt-4o", "", Ref{"openai", "gpt-4o"}, false},
		{"openrouter/meta-llama/llama-3-70b", "", Ref{"openrouter", "meta-llama/llama-3-70b"}, false},
		{"gpt-4o", "openai", Ref{"openai", "gpt-4o"}, false},
		{"gpt-4o", "", Ref{}, true},
		{"", "openai", Ref{}, true},
		{"/gpt-4o", "", Ref{}, true},
		{"openai/", "", Ref{}, true},
		{"openai/gpt 4o", "", Ref{}, true},
	}
	for _, tt := range tests {
		got, err := ParseModelRef(tt.raw, tt.def)
		if tt.wantErr {
			var parseErr *gwerrors.ParseError
			if !errors.As(err, &parseErr) {
				t.Errorf("ParseModelRef(%q) error = %v, want ParseError", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseModelRef(%q) = %+v, %v; want %+v", tt.raw, got, err, tt.want)
		}
	}
}

func TestSplitProfile(t *testing.T) {
	tests := []struct{ raw, ref, profile string }{
		{"openai/gpt-4o@work", "openai/gpt-4o", "work"},
		{"sonnet", "sonnet", ""},
		{"@work", "@work", ""},
		{"gpt-4o@", "gpt-4o@", ""},
	}
	for _, tt := range tests {
		ref, profile := SplitProfile(tt.raw)
		if ref != tt.ref || profile != tt.profile {
			t.Errorf("SplitProfile(%q) = %q, %q", tt.raw, ref, profile)
		}
	}
}

func TestResolveOrder(t *testing.T) {
	r := newTestResolver(t)
	tests := []struct {
		input string
		want  string
		match MatchKind
	}{
		{"SONNET", "anthropic/claude-sonnet-4-5", MatchAlias},
		{"local", "ollama/gpt-oss-20b", MatchAlias},
		{"openai/gpt-4o", "openai/gpt-4o", MatchExact},
		{"ollama/GPT-OSS-120B", "ollama/gpt-oss-120b", MatchExact},
		{"claude-opus-4-1", "anthropic/claude-opus-4-1", MatchDefaultProvider},
		{"opus 4.1", "anthropic/claude-opus-4-1", MatchFuzzy},
		{"4o mini", "openai/gpt-4o-mini", MatchFuzzy},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			res, err := r.Resolve(tt.input)
			if err != nil {
				t.Fatalf("Resolve(%q) error = %v", tt.input, err)
			}
			if res.Ref.String() != tt.want || res.Match != tt.match {
				t.Fatalf("Resolve(%q) = %s (%s), want %s (%s)", tt.input, res.Ref, res.Match, tt.want, tt.match)
			}
		})
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	r := newTestResolver(t)
	for _, e := range r.Allowed() {
		ref := e.Ref().String()
		res, err := r.Resolve(ref)
		if err != nil {
			t.Fatalf("Resolve(%q) error = %v", ref, err)
		}
		if res.Ref.String() != ref {
			t.Fatalf("Resolve(%q) = %q", ref, res.Ref)
		}
		again, err := r.Resolve(res.Ref.String())
		if err != nil || again.Ref != res.Ref {
			t.Fatalf("second resolve of %q = %v, %v", ref, again.Ref, err)
		}
	}
}

func TestResolveErrors(t *testing.T) {
	r := newTestResolver(t)
	tests := []struct {
		input string
		code  gwerrors.Code
	}{
		{"", gwerrors.CodeParse},
		{"   ", gwerrors.CodeParse},
		{"mystery/model-x", gwerrors.CodeUnsupportedProvider},
		{"openai/", gwerrors.CodeParse},
		{"gpt-oss-20b", gwerrors.CodeAmbiguousSelection},
		{"zzzzqqq", gwerrors.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := r.Resolve(tt.input)
			if got := gwerrors.CodeOf(err); got != tt.code {
				t.Fatalf("Resolve(%q) code = %s (%v), want %s", tt.input, got, err, tt.code)
			}
		})
	}
}

func TestResolveAmbiguousListsCandidates(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Resolve("gpt-oss-20b")
	var amb *gwerrors.AmbiguousSelectionError
	if !errors.As(err, &amb) {
		t.Fatalf("expected ambiguous selection, got %v", err)
	}
	want := []string{"ollama/gpt-oss-20b", "openrouter/gpt-oss-20b"}
	if len(amb.Candidates) != len(want) {
		t.Fatalf("candidates = %v", amb.Candidates)
	}
	for i := range want {
		if amb.Candidates[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", amb.Candidates, want)
		}
	}
}

func TestResolveRespectsAllowlist(t *testing.T) {
	r := newTestResolver(t, func(c *Config) {
		c.Allowlist = []string{"anthropic/claude-sonnet-4-5", "ollama/gpt-oss-20b"}
	})
	if _, err := r.Resolve("openai/gpt-4o"); !gwerrors.IsNotFound(err) {
		t.Fatalf("expected not allowed, got %v", err)
	}
	if _, err := r.Resolve("opus"); !gwerrors.IsNotFound(err) {
		t.Fatalf("alias to non-allowlisted model should fail, got %v", err)
	}
	// With openrouter excluded the bare id is no longer ambiguous.
	res, err := r.Resolve("gpt-oss-20b")
	if err != nil {
		t.Fatal(err)
	}
	if res.Ref.String() != "ollama/gpt-oss-20b" {
		t.Fatalf("got %s", res.Ref)
	}
}

func TestResolveExplicitRefNeverFallsBackToFuzzy(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Resolve("openai/gpt-4")
	if !gwerrors.IsNotFound(err) {
		t.Fatalf("Resolve(openai/gpt-4) error = %v, want not found", err)
	}
	var nf *gwerrors.NotFoundError
	if !errors.As(err, &nf) || nf.ID != "openai/gpt-4" {
		t.Fatalf("error = %#v", err)
	}
}

func TestResolveCarriesProfile(t *testing.T) {
	r := newTestResolver(t)
	res, err := r.Resolve("openai/gpt-4o@openai:work")
	if err != nil {
		t.Fatal(err)
	}
	if res.Profile != "openai:work" || res.Ref.String() != "openai/gpt-4o" {
		t.Fatalf("unexpected resolution %+v", res)
	}
}

func TestNewResolverRejectsUnknownProviders(t *testing.T) {
	tests := []func(*Config){
		func(c *Config) { c.Default = "nowhere/model" },
		func(c *Config) { c.Allowlist = []string{"nowhere/model"} },
		func(c *Config) { c.Aliases = map[string]string{"x": "nowhere/model"} },
		func(c *Config) { c.Catalog = append(c.Catalog, Entry{Provider: "nowhere", ID: "m"}) },
	}
	for i, mutate := range tests {
		cfg := testConfig()
		mutate(&cfg)
		if _, err := NewResolver(cfg); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestCustomProvidersAndLocal(t *testing.T) {
	r := newTestResolver(t, func(c *Config) {
		c.LocalProviders = []string{"vllm"}
		c.Catalog = append(c.Catalog, Entry{Provider: "vllm", ID: "qwen3-32b"})
	})
	if !r.KnownProvider("VLLM") || !r.IsLocal("vllm") || !r.IsLocal("ollama") {
		t.Fatal("vllm should be a known local provider")
	}
	if r.IsLocal("openai") {
		t.Fatal("openai is not local")
	}
	res, err := r.Resolve("vllm/qwen3-32b")
	if err != nil || res.Ref.Provider != "vllm" {
		t.Fatalf("Resolve() = %+v, %v", res, err)
	}
}

func TestChainDeduplicates(t *testing.T) {
	r := newTestResolver(t, func(c *Config) {
		c.Fallbacks = []string{"openai/gpt-4o", "anthropic/claude-sonnet-4-5", "openai/gpt-4o"}
	})
	chain := r.Chain(r.Default())
	if len(chain) != 2 || chain[0].String() != "anthropic/claude-sonnet-4-5" || chain[1].String() != "openai/gpt-4o" {
		t.Fatalf("unexpected chain %v", chain)
	}
}
