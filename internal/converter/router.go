package converter

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"doc2long/internal/models"
)

// Router dispatches ToIntermediate by source extension.
type Router struct {
	mu    sync.RWMutex
	byExt map[string]IntermediateConverter
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{byExt: make(map[string]IntermediateConverter)}
}

// Register maps each extension (with leading dot) to c.
func (r *Router) Register(c IntermediateConverter, exts ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range exts {
		r.byExt[strings.ToLower(ext)] = c
	}
}

// Supports reports whether ext has a registered converter.
func (r *Router) Supports(ext string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byExt[strings.ToLower(ext)]
	return ok
}

// Extensions lists registered extensions in sorted order.
func (r *Router) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// ToIntermediate implements IntermediateConverter.
func (r *Router) ToIntermediate(ctx context.Context, sourceRef, outDir string) (string, error) {
	ext := strings.ToLower(filepath.Ext(sourceRef))

	r.mu.RLock()
	c, ok := r.byExt[ext]
	r.mu.RUnlock()

	if !ok {
		return "", NewError(KindUnsupportedFormat, models.StepConvertingToIntermediate, "no intermediate converter for %q", ext)
	}
	return c.ToIntermediate(ctx, sourceRef, outDir)
}
