package uffd_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/snapvm/snapvm/uffd"
)

func TestFileOffsetSourceReadsPage(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp(t.TempDir(), "mem")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	page := make([]byte, 4096)
	for i := range page {
		page[i] = byte(i)
	}

	if _, err := f.WriteAt(page, 4096); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	src, err := uffd.NewFileOffsetSource(f.Name(), 4096)
	if err != nil {
		t.Fatalf("NewFileOffsetSource: %v", err)
	}
	defer src.Close()

	got, tag, err := src.ReadPage(context.Background(), 1)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}

	if tag != uffd.TagFileOffset {
		t.Fatalf("tag = %v, want TagFileOffset", tag)
	}

	if len(got) != 4096 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("unexpected page contents: %v", got[:4])
	}
}

func TestZeroSourceAlwaysFills(t *testing.T) {
	t.Parallel()

	src := uffd.NewZeroSource(4096)

	page, tag, err := src.ReadPage(context.Background(), 7)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}

	if tag != uffd.TagZeroFill {
		t.Fatalf("tag = %v, want TagZeroFill", tag)
	}

	for _, b := range page {
		if b != 0 {
			t.Fatalf("zero source returned non-zero byte")
		}
	}
}

type stubSource struct {
	tag uffd.SourceTag
	err error
}

func (s stubSource) ReadPage(context.Context, uint64) ([]byte, uffd.SourceTag, error) {
	if s.err != nil {
		return nil, s.tag, s.err
	}

	return []byte{1, 2, 3}, s.tag, nil
}

func TestChainSourceFallsThroughOnNoPage(t *testing.T) {
	t.Parallel()

	first := stubSource{err: uffd.ErrNoPage}
	second := stubSource{tag: uffd.TagFileOffset}

	chain := uffd.NewChainSource(first, second)

	page, tag, err := chain.ReadPage(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}

	if tag != uffd.TagFileOffset || len(page) != 3 {
		t.Fatalf("unexpected result: tag=%v page=%v", tag, page)
	}
}

func TestChainSourcePropagatesRealError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	chain := uffd.NewChainSource(stubSource{err: boom})

	if _, _, err := chain.ReadPage(context.Background(), 0); !errors.Is(err, boom) {
		t.Fatalf("ReadPage error = %v, want boom", err)
	}
}
