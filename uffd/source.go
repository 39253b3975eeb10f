package uffd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// SourceTag names which tier of the source-selection policy actually
// supplied a page, so the caller can log/account for prefetch efficacy.
type SourceTag int

const (
	TagWorkingSet SourceTag = iota
	TagDax
	TagFileOffset
	TagZeroFill
)

func (t SourceTag) String() string {
	switch t {
	case TagWorkingSet:
		return "working-set"
	case TagDax:
		return "dax"
	case TagFileOffset:
		return "file-offset"
	case TagZeroFill:
		return "zero-fill"
	default:
		return fmt.Sprintf("SourceTag(%d)", int(t))
	}
}

var (
	// ErrPeerGone indicates the upstream page source (an out-of-process
	// Handler, in the general protocol) is unreachable. The fault loop
	// treats this as non-fatal and falls back to zero-fill rather than
	// wedging the faulting vcpu.
	ErrPeerGone = errors.New("uffd: page source peer gone")

	// ErrNoPage indicates the source has no opinion on this page and the
	// caller should fall through to the next tier of the selection
	// policy.
	ErrNoPage = errors.New("uffd: source has no page")
)

// Source supplies the contents of a faulted guest page. Implementations
// are tried in the order WorkingSet, Dax, FileOffset, zero-fill; a Source
// returns ErrNoPage to defer to the next tier.
type Source interface {
	ReadPage(ctx context.Context, guestPageIndex uint64) ([]byte, SourceTag, error)
}

// FileOffsetSource reads page contents from a snapshot's memory file,
// the terminal non-zero-fill tier of the selection policy.
type FileOffsetSource struct {
	f        *os.File
	pageSize int
}

// NewFileOffsetSource opens path for random-access page reads.
func NewFileOffsetSource(path string, pageSize int) (*FileOffsetSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}

	return &FileOffsetSource{f: f, pageSize: pageSize}, nil
}

func (s *FileOffsetSource) Close() error { return s.f.Close() }

func (s *FileOffsetSource) ReadPage(_ context.Context, guestPageIndex uint64) ([]byte, SourceTag, error) {
	buf := make([]byte, s.pageSize)
	off := int64(guestPageIndex) * int64(s.pageSize)

	_, err := s.f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, TagFileOffset, fmt.Errorf("%w: read page %d: %v", ErrPeerGone, guestPageIndex, err)
	}

	return buf, TagFileOffset, nil
}

// ZeroSource always fills with a zero page; the guaranteed terminal tier.
type ZeroSource struct{ pageSize int }

func NewZeroSource(pageSize int) *ZeroSource { return &ZeroSource{pageSize: pageSize} }

func (s *ZeroSource) ReadPage(_ context.Context, _ uint64) ([]byte, SourceTag, error) {
	return make([]byte, s.pageSize), TagZeroFill, nil
}

// ChainSource applies the WorkingSet -> Dax -> FileOffset -> zero-fill
// selection policy by trying each Source in order and falling through on
// ErrNoPage.
type ChainSource struct {
	tiers []Source
}

// NewChainSource builds a selection-policy source from tiers in priority
// order, highest priority first. A nil tier is skipped (e.g. no Dax
// backend configured for this restore).
func NewChainSource(tiers ...Source) *ChainSource {
	chain := &ChainSource{}

	for _, t := range tiers {
		if t != nil {
			chain.tiers = append(chain.tiers, t)
		}
	}

	return chain
}

func (c *ChainSource) ReadPage(ctx context.Context, guestPageIndex uint64) ([]byte, SourceTag, error) {
	for _, t := range c.tiers {
		page, tag, err := t.ReadPage(ctx, guestPageIndex)
		if errors.Is(err, ErrNoPage) {
			continue
		}

		if err != nil {
			return nil, tag, err
		}

		return page, tag, nil
	}

	return nil, TagZeroFill, ErrNoPage
}
