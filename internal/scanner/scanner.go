// Package scanner discovers work units on disk and reconciles the
// durable store against them.
//
// The work directory holds one work_<project> directory per project,
// each with a pdf/ subdirectory of source documents. Every page of
// every document becomes one work unit; units whose source page has
// disappeared are removed unless already completed.
package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/corveehq/corvee/internal/taskstore"
	"github.com/corveehq/corvee/pkg/log"
)

const (
	workDirPrefix = "work_"
	pdfSubdir     = "pdf"
)

// PageCounter reports the number of pages in a PDF file. Overridable in
// tests so fixtures need no real documents.
type PageCounter func(path string) (int, error)

func countPDFPages(path string) (int, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open pdf %s: %w", path, err)
	}
	defer f.Close()
	return r.NumPage(), nil
}

// Result summarizes one scan pass.
type Result struct {
	Projects int
	Units    int
	Created  int
	Removed  int
}

// Scanner walks the work directory and keeps the store in sync with it.
type Scanner struct {
	workDir string
	store   *taskstore.Store
	pages   PageCounter
	nowMs   func() int64
	logger  log.Logger
}

// Options configures a Scanner.
type Options struct {
	WorkDir string
	Store   *taskstore.Store
	// Pages overrides PDF page counting. Defaults to reading the file.
	Pages PageCounter
	// NowMs overrides the clock. Defaults to wall time.
	NowMs  func() int64
	Logger log.Logger
}

// New creates a Scanner.
func New(opts Options) *Scanner {
	if opts.Pages == nil {
		opts.Pages = countPDFPages
	}
	if opts.NowMs == nil {
		opts.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Scanner{
		workDir: opts.WorkDir,
		store:   opts.Store,
		pages:   opts.Pages,
		nowMs:   opts.NowMs,
		logger:  logger.WithComponent("scanner"),
	}
}

// ImagePath returns the static URL path of a unit's rendered page.
func ImagePath(k taskstore.UnitKey) string {
	return fmt.Sprintf("/static/%s%s/pages/%s_%d.png", workDirPrefix, k.Project, k.Machine, k.Page)
}

// Scan walks all projects, creates missing units, and removes units
// whose source pages are gone.
func (s *Scanner) Scan() (*Result, error) {
	entries, err := os.ReadDir(s.workDir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.workDir, err)
	}

	res := &Result{}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), workDirPrefix) {
			continue
		}
		project := strings.TrimPrefix(e.Name(), workDirPrefix)
		if project == "" {
			continue
		}
		if err := s.scanProject(project, res); err != nil {
			return nil, err
		}
		res.Projects++
	}

	s.logger.Info("scan complete",
		log.Int("projects", res.Projects),
		log.Int("units", res.Units),
		log.Int("created", res.Created),
		log.Int("removed", res.Removed))
	return res, nil
}

func (s *Scanner) scanProject(project string, res *Result) error {
	pdfDir := filepath.Join(s.workDir, workDirPrefix+project, pdfSubdir)
	entries, err := os.ReadDir(pdfDir)
	if os.IsNotExist(err) {
		// A project directory without documents still reconciles, so
		// deleting the pdf directory retires its pending units.
		entries = nil
	} else if err != nil {
		return fmt.Errorf("scan project %s: %w", project, err)
	}

	valid := make(map[taskstore.UnitKey]struct{})
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			continue
		}
		machine := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		path := filepath.Join(pdfDir, e.Name())

		pages, err := s.pages(path)
		if err != nil {
			s.logger.Warn("skipping unreadable document",
				log.Str("path", path),
				log.Err(err))
			continue
		}

		for page := 1; page <= pages; page++ {
			k := taskstore.UnitKey{Project: project, Machine: machine, Page: page}
			valid[k] = struct{}{}
			created, err := s.store.EnsureUnit(k, pages, ImagePath(k), s.nowMs())
			if err != nil {
				return fmt.Errorf("scan project %s: %w", project, err)
			}
			if created {
				res.Created++
			}
			res.Units++
		}
	}

	removed, err := s.store.Reconcile(project, valid, s.nowMs())
	if err != nil {
		return fmt.Errorf("reconcile project %s: %w", project, err)
	}
	res.Removed += removed
	return nil
}
