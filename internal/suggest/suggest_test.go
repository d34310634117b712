package suggest

import (
	"sort"
	"testing"

	"github.com/corveehq/corvee/internal/taskstore"
)

func newTestSuggester(t *testing.T) *Suggester {
	t.Helper()
	s, err := NewMemOnly(nil)
	if err != nil {
		t.Fatalf("new suggester: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSuggestionsByPrefix(t *testing.T) {
	s := newTestSuggester(t)
	for _, term := range []string{"380V", "380", "220V"} {
		if err := s.Add("voltage", term); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	got, err := s.Suggestions("voltage", "380", 10)
	if err != nil {
		t.Fatalf("suggestions: %v", err)
	}
	sort.Strings(got)
	if len(got) != 2 || got[0] != "380" || got[1] != "380V" {
		t.Fatalf("unexpected suggestions: %v", got)
	}

	got, err = s.Suggestions("voltage", "110", 10)
	if err != nil {
		t.Fatalf("suggestions: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no matches, got %v", got)
	}
}

func TestSuggestionsScopedToField(t *testing.T) {
	s := newTestSuggester(t)
	if err := s.Add("voltage", "380V"); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("area", "38-north"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Suggestions("area", "38", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "38-north" {
		t.Fatalf("expected only area terms, got %v", got)
	}
}

func TestAddDeduplicates(t *testing.T) {
	s := newTestSuggester(t)
	for i := 0; i < 3; i++ {
		if err := s.Add("voltage", "380V"); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Suggestions("voltage", "380", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected deduplicated term, got %v", got)
	}
}

func TestAddIgnoresEmptyTerms(t *testing.T) {
	s := newTestSuggester(t)
	if err := s.Add("voltage", "   "); err != nil {
		t.Fatal(err)
	}
	got, err := s.Suggestions("voltage", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty index, got %v", got)
	}
}

func TestSuggestionsLimit(t *testing.T) {
	s := newTestSuggester(t)
	terms := []string{"M-01", "M-02", "M-03", "M-04"}
	for _, term := range terms {
		if err := s.Add("machine_id", term); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Suggestions("machine_id", "M-", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 suggestions, got %v", got)
	}
}

func TestAddRows(t *testing.T) {
	s := newTestSuggester(t)
	rows := []taskstore.Row{
		{MachineID: "M-01", Voltage: "380V", Area: "north"},
		{MachineID: "M-02", Voltage: "220V"},
	}
	if err := s.AddRows(rows); err != nil {
		t.Fatalf("add rows: %v", err)
	}

	got, err := s.Suggestions("machine_id", "M-", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 machine ids, got %v", got)
	}
	got, err = s.Suggestions("area", "no", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "north" {
		t.Fatalf("unexpected area suggestions: %v", got)
	}
}
