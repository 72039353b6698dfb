package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func testSnippets() []Snippet {
	return []Snippet{
		{Title: "gas", Content: "gas pricing basics", Keywords: []string{"gas", "fee"}, Tags: []string{"evm"}},
		{Title: "nonce", Content: "nonce management", Keywords: []string{"nonce"}},
		{Title: "fallback", Content: "general guidance"},
	}
}

func TestQueryRanksKeywordAboveTag(t *testing.T) {
	provider := NewStaticProvider([]Snippet{
		{Title: "tag-only", Keywords: []string{"zzz"}, Tags: []string{"gas"}},
		{Title: "keyword", Keywords: []string{"gas"}},
	}, 5)

	results := provider.Query("how do I estimate gas")
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Title != "keyword" {
		t.Fatalf("expected keyword match first, got %q", results[0].Title)
	}
}

func TestQueryRespectsMaxResults(t *testing.T) {
	provider := NewStaticProvider(testSnippets(), 1)

	results := provider.Query("gas fee for the next nonce")
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Title != "gas" {
		t.Fatalf("expected highest scoring snippet, got %q", results[0].Title)
	}
}

func TestQueryIncludesCatchAllEntries(t *testing.T) {
	provider := NewStaticProvider(testSnippets(), 5)

	results := provider.Query("something unrelated")
	if len(results) != 1 {
		t.Fatalf("expected only the catch-all entry, got %d", len(results))
	}
	if results[0].Title != "fallback" {
		t.Fatalf("expected fallback entry, got %q", results[0].Title)
	}
}

func TestLoadStaticProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.json")
	payload := `[{"title":"gas","content":"gas basics","keywords":["Gas "]}]`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	provider, err := LoadStaticProvider(path, 3)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	results := provider.Query("gas limit")
	if len(results) != 1 || results[0].Title != "gas" {
		t.Fatalf("unexpected results: %+v", results)
	}

	if _, err := LoadStaticProvider("", 3); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := LoadStaticProvider(filepath.Join(t.TempDir(), "missing.json"), 3); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
