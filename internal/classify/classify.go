// Package classify maps debounced filesystem batches to update records.
package classify

import (
	"path/filepath"
	"strings"
	"time"

	"livereload/internal/watcher"
)

type UpdateKind string

const (
	KindScript UpdateKind = "script"
	KindStyle  UpdateKind = "style"
)

// UpdateRecord is one changed file a client should react to. Timestamp is
// milliseconds since the Unix epoch at classification time.
type UpdateRecord struct {
	Kind      UpdateKind
	Path      string
	Timestamp int64
}

var DefaultExtensions = []string{".html", ".htm", ".css", ".js", ".mjs", ".cjs", ".jsx", ".ts", ".tsx", ".json"}

var DefaultStyleExtensions = []string{".css"}

type Options struct {
	// Extensions is the allow-list; paths with other extensions are dropped.
	Extensions []string
	// StyleExtensions map to KindStyle. They are implicitly allowed.
	StyleExtensions []string
	// Base is the directory reported paths are made relative to. Paths
	// outside Base are reported as given.
	Base string
	// Dedupe keeps only the first record for a path within one batch.
	Dedupe bool
	Now    func() time.Time
}

type Classifier struct {
	allowed map[string]struct{}
	styles  map[string]struct{}
	base    string
	dedupe  bool
	now     func() time.Time
}

func New(options Options) *Classifier {
	extensions := options.Extensions
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	styleExtensions := options.StyleExtensions
	if len(styleExtensions) == 0 {
		styleExtensions = DefaultStyleExtensions
	}
	classifier := &Classifier{
		allowed: make(map[string]struct{}, len(extensions)+len(styleExtensions)),
		styles:  make(map[string]struct{}, len(styleExtensions)),
		base:    options.Base,
		dedupe:  options.Dedupe,
		now:     options.Now,
	}
	for _, extension := range extensions {
		classifier.allowed[NormalizeExtension(extension)] = struct{}{}
	}
	for _, extension := range styleExtensions {
		normalized := NormalizeExtension(extension)
		classifier.allowed[normalized] = struct{}{}
		classifier.styles[normalized] = struct{}{}
	}
	if classifier.now == nil {
		classifier.now = time.Now
	}
	return classifier
}

// NormalizeExtension lower-cases extension and adds a leading dot.
func NormalizeExtension(extension string) string {
	extension = strings.ToLower(strings.TrimSpace(extension))
	if extension != "" && !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}
	return extension
}

// KindFor reports the update kind for path, or false when its extension is
// not allowed.
func (classifier *Classifier) KindFor(path string) (UpdateKind, bool) {
	extension := strings.ToLower(filepath.Ext(path))
	if extension == "" {
		return "", false
	}
	if _, ok := classifier.allowed[extension]; !ok {
		return "", false
	}
	if _, ok := classifier.styles[extension]; ok {
		return KindStyle, true
	}
	return KindScript, true
}

// Classify returns the records for batch in event order, all stamped with
// the same timestamp. The result is empty when nothing in batch is allowed.
func (classifier *Classifier) Classify(batch watcher.Batch) []UpdateRecord {
	timestamp := classifier.now().UnixMilli()
	var records []UpdateRecord
	var seen map[string]struct{}
	if classifier.dedupe {
		seen = make(map[string]struct{})
	}

	for _, event := range batch.Events {
		if !relevant(event.Kind) {
			continue
		}
		for _, path := range event.Paths {
			kind, ok := classifier.KindFor(path)
			if !ok {
				continue
			}
			reported := classifier.report(path)
			if seen != nil {
				if _, dup := seen[reported]; dup {
					continue
				}
				seen[reported] = struct{}{}
			}
			records = append(records, UpdateRecord{
				Kind:      kind,
				Path:      reported,
				Timestamp: timestamp,
			})
		}
	}
	return records
}

// Modify is handled like create; attribute-only changes are not updates.
func relevant(kind watcher.EventKind) bool {
	switch kind {
	case watcher.KindCreate, watcher.KindModify, watcher.KindRemove:
		return true
	case watcher.KindOther:
		return false
	default:
		return false
	}
}

func (classifier *Classifier) report(path string) string {
	if classifier.base == "" {
		return filepath.ToSlash(path)
	}
	relative, err := filepath.Rel(classifier.base, path)
	if err != nil || relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(relative)
}
