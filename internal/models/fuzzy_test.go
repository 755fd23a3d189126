package models

import "testing"

func TestNormalizeText(t *testing.T) {
	tests := []struct{ in, want string }{
		{"GPT-4o", "gpt 4o"},
		{"  claude__sonnet--4.5 ", "claude sonnet 4 5"},
		{"Modèle Élevé", "modele eleve"},
		{"ollama/gpt-oss-20b", "ollama gpt oss 20b"},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := normalizeText(tt.in); got != tt.want {
			t.Errorf("normalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"sonnet", "sonnet", 0},
		{"sonet", "sonnet", 1},
		{"kitten", "sitting", 3},
		{"", "abc", 3},
	}
	for _, tt := range tests {
		if got := levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestRankFuzzyOrdering(t *testing.T) {
	cands := []candidate{
		newCandidate(Entry{Provider: "openai", ID: "gpt-4o-mini"}, nil),
		newCandidate(Entry{Provider: "openai", ID: "gpt-4o"}, nil),
		newCandidate(Entry{Provider: "anthropic", ID: "claude-haiku-4-5"}, []string{"fast-4o"}),
		newCandidate(Entry{Provider: "openai", ID: "o4-mini"}, nil),
	}

	// Earlier label position wins, then the shorter model id.
	matches := rankFuzzy("4o", cands)
	if len(matches) < 3 {
		t.Fatalf("expected at least 3 matches, got %+v", matches)
	}
	if matches[0].ref.Model != "gpt-4o" || matches[1].ref.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected label ordering: %+v", matches)
	}
	if matches[2].tier != tierAlias || matches[2].ref.Model != "claude-haiku-4-5" {
		t.Fatalf("alias match should follow label matches: %+v", matches[2])
	}

	// Token tier tolerates a typo per token.
	matches = rankFuzzy("haiku", cands)
	if len(matches) != 1 || matches[0].tier != tierLabel {
		t.Fatalf("haiku: %+v", matches)
	}
	matches = rankFuzzy("haiko", cands)
	if len(matches) != 1 || matches[0].tier != tierTokens || matches[0].score != 1 {
		t.Fatalf("haiko: %+v", matches)
	}
	if got := rankFuzzy("hxxxo", cands); len(got) != 0 {
		t.Fatalf("too many edits should not match: %+v", got)
	}
}

func TestTiedAtTop(t *testing.T) {
	matches := []fuzzyMatch{
		{ref: Ref{"a", "m-1"}, tier: 0, score: 0},
		{ref: Ref{"b", "m-1"}, tier: 0, score: 0},
		{ref: Ref{"c", "m-12"}, tier: 0, score: 0},
	}
	if got := tiedAtTop(matches); len(got) != 2 {
		t.Fatalf("expected 2 tied, got %d", len(got))
	}
	if got := tiedAtTop(matches[2:]); len(got) != 1 {
		t.Fatalf("single match should not tie")
	}
}
