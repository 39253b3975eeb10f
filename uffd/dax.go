package uffd

import (
	"context"

	"github.com/snapvm/snapvm/snapshot"
)

// DaxSource resolves guest pages against a FaultMap built by PMEM
// relocation. A FaultTagDaxPage entry is served by SourceTag.TagDax, which
// the registrar fills with UFFDIO_CONTINUE against the already-resident DAX
// mapping rather than a copy. A FaultTagZero entry is served zero-filled
// directly. Every other tag (FaultTagAbsent, FaultTagFileOffset) defers to
// the next tier with ErrNoPage: a hole already reads as zero from a sparse
// memory file, and a file-offset entry is exactly what FileOffsetSource is
// for.
type DaxSource struct {
	faultMap []snapshot.FaultMapEntry
	pageSize int
}

// NewDaxSource builds a DaxSource over faultMap, one entry per guest page
// index.
func NewDaxSource(faultMap []snapshot.FaultMapEntry, pageSize int) *DaxSource {
	return &DaxSource{faultMap: faultMap, pageSize: pageSize}
}

func (s *DaxSource) ReadPage(_ context.Context, guestPageIndex uint64) ([]byte, SourceTag, error) {
	if guestPageIndex >= uint64(len(s.faultMap)) {
		return nil, TagDax, ErrNoPage
	}

	switch s.faultMap[guestPageIndex].Tag {
	case snapshot.FaultTagDaxPage:
		return nil, TagDax, nil
	case snapshot.FaultTagZero:
		return make([]byte, s.pageSize), TagZeroFill, nil
	default:
		return nil, TagDax, ErrNoPage
	}
}
