package sink

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/corveehq/corvee/internal/taskstore"
)

func testSubmission(page int, rows ...taskstore.Row) *taskstore.Submission {
	return &taskstore.Submission{
		ID:       "sub1",
		Key:      taskstore.UnitKey{Project: "plantA", Machine: "doc1", Page: page},
		Username: "alice",
		Rows:     rows,
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return records
}

func TestCSVSinkAppend(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVSink(dir)

	sub := testSubmission(1,
		taskstore.Row{MachineID: "M-01", Voltage: "380"},
		taskstore.Row{MachineID: "M-02", Voltage: "220"},
	)
	if err := s.Append(context.Background(), sub); err != nil {
		t.Fatalf("append: %v", err)
	}

	records := readCSV(t, filepath.Join(dir, "work_plantA", "data.csv"))
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d records", len(records))
	}
	if records[0][0] != "project" {
		t.Fatalf("expected header row, got %v", records[0])
	}
	if records[1][4] != "M-01" || records[2][4] != "M-02" {
		t.Fatalf("unexpected rows: %v %v", records[1], records[2])
	}
}

func TestCSVSinkAppendsWithoutDuplicateHeader(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVSink(dir)

	if err := s.Append(context.Background(), testSubmission(1, taskstore.Row{MachineID: "M-01"})); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(context.Background(), testSubmission(2, taskstore.Row{MachineID: "M-02"})); err != nil {
		t.Fatal(err)
	}

	records := readCSV(t, filepath.Join(dir, "work_plantA", "data.csv"))
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(records))
	}
	for _, rec := range records[1:] {
		if rec[0] == "project" {
			t.Fatalf("duplicate header found: %v", rec)
		}
	}
}

func TestCSVSinkSeparatesProjects(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVSink(dir)

	subA := testSubmission(1, taskstore.Row{MachineID: "A"})
	subB := testSubmission(1, taskstore.Row{MachineID: "B"})
	subB.Key.Project = "plantB"

	if err := s.Append(context.Background(), subA); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(context.Background(), subB); err != nil {
		t.Fatal(err)
	}

	if recs := readCSV(t, filepath.Join(dir, "work_plantA", "data.csv")); len(recs) != 2 {
		t.Fatalf("plantA: expected 2 records, got %d", len(recs))
	}
	if recs := readCSV(t, filepath.Join(dir, "work_plantB", "data.csv")); len(recs) != 2 {
		t.Fatalf("plantB: expected 2 records, got %d", len(recs))
	}
}
