// Package content loads trial-content rows for an AI-mode variant.
// Each variant is a directory containing exactly one delimited-row file;
// its rows become the ordered trial contents for a session.
package content

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Row is one trial-content record, keyed by column header.
type Row map[string]string

// Loader resolves variant names to trial-content rows.
type Loader struct {
	baseDir string
	log     *zap.Logger
}

// ErrNoContentFile is returned when a variant directory does not contain
// exactly one .csv file.
var ErrNoContentFile = errors.New("content: no content file for variant")

// NewLoader creates a Loader rooted at baseDir. Variant names resolve to
// baseDir/<variant>/.
func NewLoader(baseDir string, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{baseDir: baseDir, log: log}
}

// Load returns the ordered trial rows for a variant. A missing directory,
// missing file, or unparsable file is a recoverable error: callers fall
// back to the next configured variant.
func (l *Loader) Load(variant string) ([]Row, error) {
	path, err := l.contentFile(variant)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("content: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("content: parse %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("content: %s has no data rows: %w", path, ErrNoContentFile)
	}

	header := records[0]
	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[strings.TrimSpace(col)] = rec[i]
			}
		}
		rows = append(rows, row)
	}

	l.log.Debug("loaded trial content",
		zap.String("variant", variant),
		zap.Int("rows", len(rows)))
	return rows, nil
}

// Probe reports whether a variant has a loadable content file without
// reading its rows. Used at startup to validate the configured variants.
func (l *Loader) Probe(variant string) error {
	_, err := l.contentFile(variant)
	return err
}

func (l *Loader) contentFile(variant string) (string, error) {
	dir := filepath.Join(l.baseDir, variant)
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil || len(matches) != 1 {
		return "", fmt.Errorf("content: variant %q in %s: %w", variant, dir, ErrNoContentFile)
	}
	return matches[0], nil
}
