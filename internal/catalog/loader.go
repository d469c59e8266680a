// Package catalog discovers solution documents through a root index file
// in one or more search paths and decodes them into generic trees.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aretw0/conductor/internal/logging"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/state"
	"gopkg.in/yaml.v3"
)

// DefaultRootName is the index file looked up in every search path.
const DefaultRootName = "catalog.yaml"

// RawDocument is one solution document decoded into a generic tree.
type RawDocument struct {
	SolutionID string
	Path       string
	Data       map[string]any
}

// Catalog is the result of one Load.
type Catalog struct {
	// Roots lists the index files that were read, in search order.
	Roots []string
	// Index maps public solution ids to absolute document paths.
	Index map[string]string
	// Documents holds the successfully decoded documents, ordered by solution id.
	Documents []RawDocument
	// Errors holds per-solution failures. A failed solution does not stop others.
	Errors map[string]error
	// RootErrors holds index files that exist but could not be used.
	RootErrors map[string]error
}

// SolutionIDs returns every indexed id, sorted.
func (c *Catalog) SolutionIDs() []string {
	ids := make([]string, 0, len(c.Index))
	for id := range c.Index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Files returns the index files, broken ones included, and every referenced
// document path.
func (c *Catalog) Files() []string {
	files := append([]string{}, c.Roots...)
	broken := make([]string, 0, len(c.RootErrors))
	for root := range c.RootErrors {
		broken = append(broken, root)
	}
	sort.Strings(broken)
	files = append(files, broken...)
	for _, id := range c.SolutionIDs() {
		files = append(files, c.Index[id])
	}
	return files
}

type rootIndex struct {
	SchemaVersion string            `yaml:"schema_version" json:"schema_version"`
	Solutions     map[string]string `yaml:"solutions" json:"solutions"`
}

// Loader reads catalogs from the filesystem.
type Loader struct {
	paths    []string
	rootName string
	logger   *slog.Logger
}

// Option configures the Loader.
type Option func(*Loader)

// WithPaths sets the search paths, scanned in order. The first path declaring
// a solution id wins.
func WithPaths(paths ...string) Option {
	return func(l *Loader) {
		l.paths = append([]string{}, paths...)
	}
}

// WithRootName overrides the index file name.
func WithRootName(name string) Option {
	return func(l *Loader) {
		if name != "" {
			l.rootName = name
		}
	}
}

// WithLogger configures a logger for the Loader.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a Loader. Without paths it searches the working directory.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		paths:    []string{"."},
		rootName: DefaultRootName,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Paths returns the configured search paths.
func (l *Loader) Paths() []string {
	return append([]string{}, l.paths...)
}

// Load scans every search path and decodes the referenced documents.
// A malformed or unsupported index is recorded in RootErrors and skipped.
// Load fails only when no index file can be read at all.
func (l *Loader) Load(ctx context.Context) (*Catalog, error) {
	cat := &Catalog{
		Index:      make(map[string]string),
		Errors:     make(map[string]error),
		RootErrors: make(map[string]error),
	}
	var rootErrs []error

	for _, p := range l.paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rootFile := l.rootFile(p)
		idx, err := readIndex(rootFile)
		if err != nil {
			if os.IsNotExist(err) {
				l.logger.Debug("catalog root not found, skipping", "path", rootFile)
				continue
			}
			l.logger.Warn("catalog root skipped", "path", rootFile, "err", err)
			cat.RootErrors[rootFile] = err
			rootErrs = append(rootErrs, err)
			continue
		}
		if idx.SchemaVersion != "" && idx.SchemaVersion != domain.SchemaVersion {
			err := &domain.UnsupportedSchemaError{Solution: rootFile, Version: idx.SchemaVersion}
			l.logger.Warn("catalog root skipped", "path", rootFile, "err", err)
			cat.RootErrors[rootFile] = err
			rootErrs = append(rootErrs, err)
			continue
		}
		cat.Roots = append(cat.Roots, rootFile)

		ids := make([]string, 0, len(idx.Solutions))
		for id := range idx.Solutions {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		base := filepath.Dir(rootFile)
		for _, id := range ids {
			if existing, ok := cat.Index[id]; ok {
				l.logger.Warn("duplicate solution id ignored", "solution", id, "kept", existing, "root", rootFile)
				continue
			}
			docPath := idx.Solutions[id]
			if !filepath.IsAbs(docPath) {
				docPath = filepath.Join(base, docPath)
			}
			if abs, err := filepath.Abs(docPath); err == nil {
				docPath = abs
			}
			cat.Index[id] = docPath
		}
	}

	if len(cat.Roots) == 0 {
		if len(rootErrs) > 0 {
			return nil, errors.Join(rootErrs...)
		}
		return nil, &domain.CatalogNotFoundError{Path: strings.Join(l.rootFiles(), ", ")}
	}

	decoded := make(map[string]map[string]any)
	for _, id := range cat.SolutionIDs() {
		docPath := cat.Index[id]
		data, ok := decoded[docPath]
		if !ok {
			var err error
			data, err = ReadDocument(docPath)
			if err != nil {
				l.logger.Warn("solution document failed to load", "solution", id, "path", docPath, "err", err)
				cat.Errors[id] = err
				continue
			}
			decoded[docPath] = data
		}
		cat.Documents = append(cat.Documents, RawDocument{SolutionID: id, Path: docPath, Data: data})
	}

	l.logger.Debug("catalog loaded", "roots", len(cat.Roots), "solutions", len(cat.Index), "errors", len(cat.Errors))
	return cat, nil
}

func (l *Loader) rootFile(p string) string {
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		return p
	}
	return filepath.Join(p, l.rootName)
}

func (l *Loader) rootFiles() []string {
	files := make([]string, 0, len(l.paths))
	for _, p := range l.paths {
		files = append(files, l.rootFile(p))
	}
	return files
}

func readIndex(path string) (*rootIndex, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var idx rootIndex
	if err := decode(path, raw, &idx); err != nil {
		return nil, &domain.CatalogParseError{Path: path, Err: err}
	}
	return &idx, nil
}

// ReadDocument reads and decodes a YAML or JSON document into a generic tree.
func ReadDocument(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &domain.CatalogNotFoundError{Path: path}
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return DecodeDocument(path, raw)
}

// DecodeDocument decodes raw bytes, choosing the codec from the file extension.
func DecodeDocument(path string, raw []byte) (map[string]any, error) {
	var data map[string]any
	if err := decode(path, raw, &data); err != nil {
		return nil, &domain.CatalogParseError{Path: path, Err: err}
	}
	if data == nil {
		return nil, &domain.CatalogParseError{Path: path, Err: fmt.Errorf("empty document")}
	}
	return state.Normalize(data).(map[string]any), nil
}

func decode(path string, raw []byte, out any) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return json.Unmarshal(raw, out)
	}
	return yaml.Unmarshal(raw, out)
}
