// Package suggest provides autocomplete over previously submitted row
// values, backed by a bleve index. Terms are indexed per field so the
// voltage column never suggests machine names.
package suggest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/corveehq/corvee/internal/taskstore"
	"github.com/corveehq/corvee/pkg/log"
)

// DefaultLimit caps the number of suggestions per query.
const DefaultLimit = 10

type termDoc struct {
	Field string `json:"field"`
	Term  string `json:"term"`
}

// Suggester indexes row values and serves prefix completions.
type Suggester struct {
	mu     sync.Mutex
	index  bleve.Index
	logger log.Logger
}

func indexMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()
	// Terms are matched by raw prefix, not analyzed tokens.
	tm := bleve.NewTextFieldMapping()
	tm.Analyzer = keyword.Name
	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("field", tm)
	doc.AddFieldMappingsAt("term", tm)
	m.DefaultMapping = doc
	return m
}

// Open opens or creates a persistent suggester at path.
func Open(path string, logger log.Logger) (*Suggester, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	index, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(path, indexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("suggest: open index: %w", err)
	}
	return &Suggester{index: index, logger: logger.WithComponent("suggest")}, nil
}

// NewMemOnly creates an in-memory suggester.
func NewMemOnly(logger log.Logger) (*Suggester, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	index, err := bleve.NewMemOnly(indexMapping())
	if err != nil {
		return nil, fmt.Errorf("suggest: open index: %w", err)
	}
	return &Suggester{index: index, logger: logger.WithComponent("suggest")}, nil
}

// Close releases the underlying index.
func (s *Suggester) Close() error {
	return s.index.Close()
}

// Add records one term for one field. Re-adding an existing pair is a
// cheap overwrite.
func (s *Suggester) Add(field, term string) error {
	term = strings.TrimSpace(term)
	if field == "" || term == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := field + "\x00" + term
	return s.index.Index(id, termDoc{Field: field, Term: term})
}

// AddRows feeds every non-empty value of the given rows into the index.
func (s *Suggester) AddRows(rows []taskstore.Row) error {
	for _, r := range rows {
		pairs := map[string]string{
			"machine_id":     r.MachineID,
			"circuit_name":   r.CircuitName,
			"area":           r.Area,
			"device_pos":     r.DevicePos,
			"voltage":        r.Voltage,
			"phase_wire":     r.PhaseWire,
			"power":          r.Power,
			"max_current":    r.MaxCurrent,
			"run_current":    r.RunCurrent,
			"machine_switch": r.MachineSwitch,
			"factory_switch": r.FactorySwitch,
			"remark":         r.Remark,
		}
		for field, term := range pairs {
			if err := s.Add(field, term); err != nil {
				return err
			}
		}
	}
	return nil
}

// Warm rebuilds the index from every stored submission.
func (s *Suggester) Warm(store *taskstore.Store) error {
	count := 0
	err := store.EachSubmission(func(sub *taskstore.Submission) error {
		count++
		return s.AddRows(sub.Rows)
	})
	if err != nil {
		return fmt.Errorf("suggest: warm: %w", err)
	}
	s.logger.Info("warmed suggestion index", log.Int("submissions", count))
	return nil
}

// Suggestions returns up to limit terms of field starting with prefix.
// A non-positive limit uses DefaultLimit.
func (s *Suggester) Suggestions(field, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	fq := bleve.NewTermQuery(field)
	fq.SetField("field")
	pq := bleve.NewPrefixQuery(prefix)
	pq.SetField("term")
	query := bleve.NewConjunctionQuery(fq, pq)

	req := bleve.NewSearchRequestOptions(query, limit, 0, false)
	req.Fields = []string{"term"}

	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("suggest: search: %w", err)
	}
	terms := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if term, ok := hit.Fields["term"].(string); ok {
			terms = append(terms, term)
		}
	}
	return terms, nil
}
