// Package indexer imports every recognised file below a directory into a
// patient in dependency order.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/radcase/radcase/internal/classifier"
	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/nifti"
	"github.com/radcase/radcase/internal/patient"
)

// Importer is the part of a patient the indexer writes through.
type Importer interface {
	ImportData(source string, opts patient.ImportOptions) (string, error)
}

// Options tune a directory import.
type Options struct {
	// Timestamp receives every file; empty means the patient's active one.
	Timestamp models.TimestampID
	// Shallow skips sub-directories.
	Shallow bool
}

// Outcome is the result of importing one file.
type Outcome struct {
	Path     string
	Category models.Category
	ID       string
	Err      error
}

// Indexer scans directories, classifies files and imports them.
type Indexer struct {
	classifier classifier.Classifier
	logger     *slog.Logger
}

// NewIndexer creates a new directory indexer.
func NewIndexer(cls classifier.Classifier, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cls == nil {
		cls = classifier.NewClassifier(logger)
	}
	return &Indexer{classifier: cls, logger: logger}
}

// importOrder puts parents before the entities that attach to them.
var importOrder = []models.Category{
	models.CategoryVolume,
	models.CategoryAnnotation,
	models.CategoryAtlas,
	models.CategoryReport,
}

// IndexDirectory imports every image and report below dir. Files are
// classified first so volumes are imported before annotations and atlases.
// A file that fails is recorded in its Outcome and the batch continues; only
// a canceled context stops it early.
func (idx *Indexer) IndexDirectory(ctx context.Context, p Importer, dir string, opts Options) ([]Outcome, error) {
	files, err := FindSourceFiles(dir, opts.Shallow)
	if err != nil {
		return nil, fmt.Errorf("finding source files in %s: %w", dir, err)
	}
	idx.logger.Info("found source files", "count", len(files), "dir", dir)

	outcomes := make([]Outcome, 0, len(files))
	var queued []Outcome
	for _, f := range files {
		cat, err := idx.classifier.Classify(f)
		if err != nil {
			idx.logger.Warn("classifying file", "file", f, "error", err)
			outcomes = append(outcomes, Outcome{Path: f, Err: err})
			continue
		}
		queued = append(queued, Outcome{Path: f, Category: cat})
	}
	slices.SortStableFunc(queued, func(a, b Outcome) int {
		return slices.Index(importOrder, a.Category) - slices.Index(importOrder, b.Category)
	})

	for _, o := range queued {
		select {
		case <-ctx.Done():
			return outcomes, ctx.Err()
		default:
		}

		o.ID, o.Err = p.ImportData(o.Path, patient.ImportOptions{
			Timestamp: opts.Timestamp,
			Category:  o.Category,
		})
		if o.Err != nil {
			idx.logger.Error("importing file", "file", o.Path, "category", o.Category, "error", o.Err)
		} else {
			idx.logger.Debug("imported file", "file", o.Path, "category", o.Category, "id", o.ID)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

// FindSourceFiles lists NIfTI images and JSON/YAML reports below dir in
// lexical order. Hidden files and directories are skipped.
func FindSourceFiles(dir string, shallow bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		hidden := strings.HasPrefix(d.Name(), ".") && path != dir
		if d.IsDir() {
			if hidden || (shallow && path != dir) {
				return filepath.SkipDir
			}
			return nil
		}
		if !hidden && isSourceFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func isSourceFile(name string) bool {
	lower := strings.ToLower(name)
	if nifti.IsNIfTI(lower) {
		return true
	}
	switch filepath.Ext(lower) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// Summary counts outcomes per category and collects the failures.
type Summary struct {
	Imported map[models.Category]int
	Failed   []Outcome
}

// Summarize tallies a batch of outcomes.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Imported: make(map[models.Category]int)}
	for _, o := range outcomes {
		if o.Err != nil {
			s.Failed = append(s.Failed, o)
			continue
		}
		s.Imported[o.Category]++
	}
	return s
}

// Rejected counts the failures caused by the data rather than by I/O.
func (s Summary) Rejected() int {
	n := 0
	for _, o := range s.Failed {
		if errors.Is(o.Err, models.ErrValidation) || errors.Is(o.Err, models.ErrReferential) {
			n++
		}
	}
	return n
}
