// Package snapshot implements the versioned, checksummed microVM state
// envelope and the writer that captures a machine's vCPU, device and
// memory state into it.
//
// Wire format for the envelope:
//
//	[8-byte magic]["SNAPVM01"][2-byte major][2-byte minor]
//	[8-byte payload length][payload][8-byte CRC-64 of payload]
//
// This mirrors migration/transport.go's big-endian length-prefixed framing,
// generalized from a single in-flight message into a standalone file.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"strconv"
	"strings"

	"github.com/snapvm/snapvm/kvm"
	"github.com/snapvm/snapvm/memregion"
	"github.com/snapvm/snapvm/migration"
)

var magic = [8]byte{'S', 'N', 'A', 'P', 'V', 'M', '0', '1'}

// supportedMajor is the only major version this codec can decode. A
// cross-major envelope fails fast, before any gob decoding is attempted.
const supportedMajor = 1

var (
	// ErrCorruptSnapshot indicates a bad magic or a checksum mismatch.
	ErrCorruptSnapshot = errors.New("snapshot: corrupt snapshot")
	// ErrUnsupportedVersion indicates a cross-major envelope.
	ErrUnsupportedVersion = errors.New("snapshot: unsupported version")
)

// Version is the envelope's major.minor tuple. Same-major versions are
// forward and backward compatible (additive fields only); a cross-major
// envelope must fail fast.
type Version struct {
	Major uint16
	Minor uint16
}

// CurrentVersion is the newest version this codec knows how to produce.
// v1.1 added FaultMap/PMEM relocation (Feature.DaxRelocation); v1.0 is the
// base schema (vCPU/VM/device state, memory regions, CPUID).
var CurrentVersion = Version{Major: supportedMajor, Minor: 1}

// ParseVersion parses a "major.minor" string, e.g. "1.0".
func ParseVersion(s string) (Version, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return Version{}, fmt.Errorf("version %q: want major.minor", s)
	}

	maj, err := strconv.ParseUint(major, 10, 16)
	if err != nil {
		return Version{}, fmt.Errorf("version %q: bad major: %w", s, err)
	}

	min, err := strconv.ParseUint(minor, 10, 16)
	if err != nil {
		return Version{}, fmt.Errorf("version %q: bad minor: %w", s, err)
	}

	return Version{Major: uint16(maj), Minor: uint16(min)}, nil
}

// Feature names an additive capability that postdates the v1.0 base
// schema. A snapshot that exercises a Feature can only be encoded to a
// target version that advertises it (SPEC_FULL.md §4.B version window).
type Feature uint64

const (
	// FeatureDaxRelocation marks a snapshot carrying a FaultMap for PMEM
	// relocation (§4.C), introduced in v1.1.
	FeatureDaxRelocation Feature = 1 << iota
)

// featureMinVersion is the minor version (within major 1) each Feature
// was introduced in.
var featureMinVersion = map[Feature]uint16{
	FeatureDaxRelocation: 1,
}

// MicrovmState is the full, versionable snapshot payload: vCPU and
// VM-level hardware state plus device state reused verbatim from the
// migration package, the memory region layout the migration package never
// needed because it streamed memory inline rather than describing a
// layout, the host's supported CPUID set for cross-host compatibility
// checks, and an optional FaultMap when PMEM relocation was performed.
type MicrovmState struct {
	NCPUs    int
	MemSize  uint64
	Regions  []memregion.Region
	VCPUs    []migration.VCPUState
	VM       migration.VMState
	Devices  migration.DeviceState
	CPUID    kvm.CPUID
	FaultMap []FaultMapEntry
}

// features reports which additive Features this state actually exercises,
// so Encode can refuse a target version that predates one of them.
func (s *MicrovmState) features() Feature {
	var f Feature

	if len(s.FaultMap) > 0 {
		f |= FeatureDaxRelocation
	}

	return f
}

// FaultTag identifies which source a FaultMapEntry resolves a guest page
// to at restore time.
type FaultTag uint8

const (
	// FaultTagAbsent marks a hole in the source memory file: the page was
	// never written and reads as zero.
	FaultTagAbsent FaultTag = iota
	// FaultTagDaxPage marks a page relocated into the DAX device; Payload
	// is the DAX-relative page index.
	FaultTagDaxPage
	// FaultTagFileOffset marks a page still served from the memory file;
	// Payload is its byte offset.
	FaultTagFileOffset
	// FaultTagZero marks a page that must be served zero-filled regardless
	// of what the memory file holds at that offset.
	FaultTagZero
)

// FaultMapEntry is one guest-page-index -> source mapping, built by the
// snapshot writer during PMEM relocation and consumed read-only by the
// restore engine's page-fault handler.
type FaultMapEntry struct {
	Tag     FaultTag
	Payload uint64
}

// faultMapEntrySize is the on-disk size of one FaultMapEntry: a 1-byte tag,
// 7 bytes of padding, and an 8-byte payload, matching the fixed-size record
// array the FaultMap file format uses so a restore can seek directly to a
// guest page's entry instead of scanning.
const faultMapEntrySize = 16

// EncodeFaultMap writes entries to w as the FaultMap file format: one
// fixed-size record per guest page, indexed by position. This is a separate
// artifact from the gob envelope payload -- a restore's uffd fault handler
// mmaps or seeks it directly rather than decoding the whole snapshot state.
func EncodeFaultMap(w io.Writer, entries []FaultMapEntry) error {
	buf := make([]byte, faultMapEntrySize)

	for i, e := range entries {
		buf[0] = byte(e.Tag)

		for j := 1; j < 8; j++ {
			buf[j] = 0
		}

		binary.BigEndian.PutUint64(buf[8:], e.Payload)

		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write faultmap entry %d: %w", i, err)
		}
	}

	return nil
}

// DecodeFaultMap reads a FaultMap file written by EncodeFaultMap.
func DecodeFaultMap(r io.Reader) ([]FaultMapEntry, error) {
	var entries []FaultMapEntry

	buf := make([]byte, faultMapEntrySize)

	for {
		_, err := io.ReadFull(r, buf)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: read faultmap entry %d: %v", ErrCorruptSnapshot, len(entries), err)
		}

		entries = append(entries, FaultMapEntry{
			Tag:     FaultTag(buf[0]),
			Payload: binary.BigEndian.Uint64(buf[8:]),
		})
	}

	return entries, nil
}

// Encode gob-encodes state into a Payload and writes the full envelope to
// w: magic, version, payload length, payload, CRC-64 checksum.
//
// targetVersion lets a caller downshift to any major-1 minor version this
// codec advertises, so an older reader can load the snapshot. Encode
// refuses -- before writing a single byte -- when state exercises a
// Feature introduced after targetVersion (SPEC_FULL.md §4.B version
// window).
func Encode(w io.Writer, state *MicrovmState, targetVersion Version) error {
	if targetVersion.Major != supportedMajor {
		return fmt.Errorf("%w: target version %d.%d, codec supports major %d",
			ErrUnsupportedVersion, targetVersion.Major, targetVersion.Minor, supportedMajor)
	}

	if targetVersion.Minor > CurrentVersion.Minor {
		return fmt.Errorf("%w: target version %d.%d newer than codec's %d.%d",
			ErrUnsupportedVersion, targetVersion.Major, targetVersion.Minor,
			CurrentVersion.Major, CurrentVersion.Minor)
	}

	for feature, minVersion := range featureMinVersion {
		if state.features()&feature != 0 && targetVersion.Minor < minVersion {
			return fmt.Errorf("%w: snapshot uses a feature requiring minor version %d, target is %d.%d",
				ErrUnsupportedVersion, minVersion, targetVersion.Major, targetVersion.Minor)
		}
	}

	payload, err := encodePayload(state)
	if err != nil {
		return err
	}

	checksum := crc64.Checksum(payload, crc64.MakeTable(crc64.ISO))

	if _, err := w.Write(magic[:]); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}

	verBuf := make([]byte, 4)
	binary.BigEndian.PutUint16(verBuf[0:2], targetVersion.Major)
	binary.BigEndian.PutUint16(verBuf[2:4], targetVersion.Minor)

	if _, err := w.Write(verBuf); err != nil {
		return fmt.Errorf("write version: %w", err)
	}

	lenBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(lenBuf, uint64(len(payload)))

	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("write payload length: %w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	sumBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(sumBuf, checksum)

	if _, err := w.Write(sumBuf); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}

	return nil
}

// Decode validates and parses an envelope from r. It never returns a
// partially-populated MicrovmState on error.
func Decode(r io.Reader) (*MicrovmState, Version, error) {
	var gotMagic [8]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil {
		return nil, Version{}, fmt.Errorf("read magic: %w", err)
	}

	if gotMagic != magic {
		return nil, Version{}, fmt.Errorf("%w: bad magic %q", ErrCorruptSnapshot, gotMagic)
	}

	verBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, verBuf); err != nil {
		return nil, Version{}, fmt.Errorf("read version: %w", err)
	}

	ver := Version{
		Major: binary.BigEndian.Uint16(verBuf[0:2]),
		Minor: binary.BigEndian.Uint16(verBuf[2:4]),
	}

	if ver.Major != supportedMajor {
		return nil, ver, fmt.Errorf("%w: envelope major %d, codec supports %d",
			ErrUnsupportedVersion, ver.Major, supportedMajor)
	}

	lenBuf := make([]byte, 8)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, ver, fmt.Errorf("read payload length: %w", err)
	}

	payloadLen := binary.BigEndian.Uint64(lenBuf)

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ver, fmt.Errorf("%w: read payload: %v", ErrCorruptSnapshot, err)
	}

	sumBuf := make([]byte, 8)
	if _, err := io.ReadFull(r, sumBuf); err != nil {
		return nil, ver, fmt.Errorf("read checksum: %w", err)
	}

	wantSum := binary.BigEndian.Uint64(sumBuf)
	gotSum := crc64.Checksum(payload, crc64.MakeTable(crc64.ISO))

	if wantSum != gotSum {
		return nil, ver, fmt.Errorf("%w: checksum mismatch (want %#x got %#x)", ErrCorruptSnapshot, wantSum, gotSum)
	}

	state := &MicrovmState{}

	dec := gob.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(state); err != nil {
		return nil, ver, fmt.Errorf("%w: decode payload: %v", ErrCorruptSnapshot, err)
	}

	return state, ver, nil
}

// encodePayload gob-encodes state, matching migration.Sender.SendSnapshot's
// io.Pipe-based encode so both packages share the same gob-over-pipe idiom.
func encodePayload(state *MicrovmState) ([]byte, error) {
	pr, pw := io.Pipe()

	errCh := make(chan error, 1)

	go func() {
		enc := gob.NewEncoder(pw)
		errCh <- enc.Encode(state)

		pw.Close()
	}()

	payload, err := io.ReadAll(pr)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	return payload, nil
}
