package projection

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// DefaultPageSize bounds search results when the caller does not
const DefaultPageSize = 50

// Query narrows a shadow search. Path predicates run first; an empty query
// matches every path up to the page bound.
type Query struct {
	PathGlob      string `json:"path_glob,omitempty"`
	PathContains  string `json:"path_contains,omitempty"`
	Extension     string `json:"extension,omitempty"`
	AnnotatedOnly bool   `json:"annotated_only,omitempty"`
}

// Result is one matched path with its latest shadow state
type Result struct {
	Path           string `json:"path"`
	ContentHash    string `json:"content_hash"`
	SizeBytes      int64  `json:"size_bytes,omitempty"`
	LatestSequence uint64 `json:"latest_sequence"`
	Annotations    int    `json:"annotations,omitempty"`
}

// Page is a bounded page of results in path order. Truncated reports that
// the walk stopped early because the page filled.
type Page struct {
	Results   []Result `json:"results"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Search walks the path index in sorted order and stops as soon as the
// page is full. It reads the derived index only, never the event log.
func (s *State) Search(query Query, pageSize int) (*Page, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if query.PathGlob != "" {
		if _, err := doublestar.Match(query.PathGlob, "probe"); err != nil {
			return nil, fmt.Errorf("%w: path glob %q: %v", models.ErrSchemaInvalid, query.PathGlob, err)
		}
	}
	ext := normalizeExtension(query.Extension)

	paths := make([]string, 0, len(s.Files))
	for path := range s.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	page := &Page{}
	for _, path := range paths {
		if !matchesPath(query, ext, path) {
			continue
		}
		annotations := len(s.Annotations[path])
		if query.AnnotatedOnly && annotations == 0 {
			continue
		}
		if len(page.Results) == pageSize {
			page.Truncated = true
			break
		}
		entry := s.Files[path]
		page.Results = append(page.Results, Result{
			Path:           path,
			ContentHash:    entry.ContentHash,
			SizeBytes:      entry.SizeBytes,
			LatestSequence: entry.LatestSequence,
			Annotations:    annotations,
		})
	}
	return page, nil
}

// Search runs the query against the current fold
func (a *Aggregate) Search(query Query, pageSize int) (*Page, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Search(query, pageSize)
}

func matchesPath(query Query, ext, path string) bool {
	if query.PathContains != "" && !strings.Contains(path, query.PathContains) {
		return false
	}
	if ext != "" && normalizeExtension(filepath.Ext(path)) != ext {
		return false
	}
	if query.PathGlob != "" {
		ok, err := doublestar.Match(query.PathGlob, path)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func normalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
