package uffd

import (
	"context"
	"sync"
)

// WorkingSet is a small ring of guest pages prefetched immediately after a
// restore resumes (SPEC_FULL.md restore engine step 8), so the first
// handful of instruction/stack touches already hit a warm page instead of
// round tripping through the fault path. It doubles as the highest-priority
// tier of the fault-time source-selection policy: once a page has been
// prefetched, a fault on it is served from this cache rather than
// re-reading the backing file.
type cachedPage struct {
	data []byte
	tag  SourceTag
}

type WorkingSet struct {
	mu    sync.Mutex
	pages map[uint64]cachedPage
	limit int
}

// NewWorkingSet creates a cache holding at most limit prefetched pages.
func NewWorkingSet(limit int) *WorkingSet {
	return &WorkingSet{pages: make(map[uint64]cachedPage), limit: limit}
}

// Prefetch eagerly reads each of indices from fallback and stores it in the
// cache, evicting nothing (the ring is expected to stay within limit by
// construction -- the restore engine only prefetches a small, fixed set of
// entry-point pages). The fallback's tag is cached alongside the page: a
// page that resolved via the Dax tier carries no content of its own (the
// registrar fills it with UFFDIO_CONTINUE against the DAX mapping), so
// ReadPage must replay that tag rather than claiming every cache hit as a
// plain working-set copy.
func (w *WorkingSet) Prefetch(ctx context.Context, indices []uint64, fallback Source) error {
	for _, idx := range indices {
		page, tag, err := fallback.ReadPage(ctx, idx)
		if err != nil {
			return err
		}

		w.mu.Lock()
		if len(w.pages) < w.limit {
			w.pages[idx] = cachedPage{data: page, tag: tag}
		}
		w.mu.Unlock()
	}

	return nil
}

// ReadPage implements Source: a cache hit is consumed (removed), since the
// kernel will never fault on the same page twice once the fill ioctl
// succeeds.
func (w *WorkingSet) ReadPage(_ context.Context, guestPageIndex uint64) ([]byte, SourceTag, error) {
	w.mu.Lock()
	cached, ok := w.pages[guestPageIndex]
	if ok {
		delete(w.pages, guestPageIndex)
	}
	w.mu.Unlock()

	if !ok {
		return nil, TagWorkingSet, ErrNoPage
	}

	return cached.data, cached.tag, nil
}
