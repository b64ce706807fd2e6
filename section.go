package covmap

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Scratch buffer size; filenames shorter than this decode without a heap
// allocation.
const scratchLen = 4096

// A FilenameGroup is the ordered list of source filenames referenced by one
// coverage mapping record. Coverage data refers to filenames by index, so the
// order and count of real entries never changes for the life of the file;
// patching may only rewrite entry content and append trailing filler entries.
type FilenameGroup struct {
	Offset    int64 // absolute file offset of the encoded group
	Size      int64 // encoded size in bytes, fixed once read
	Filenames []string
}

// encodedLen returns the number of bytes the group occupies when re-encoded
// with no padding entries.
func (g *FilenameGroup) encodedLen() int64 {
	n := int64(uleb128Len(uint64(len(g.Filenames))))
	for _, filename := range g.Filenames {
		n += int64(uleb128Len(uint64(len(filename)))) + int64(len(filename))
	}
	return n
}

// A Section reads and patches one __llvm_covmap section of a Mach-O file.
//
// A Section owns a scratch buffer shared by Read and PatchFilenames, so it is
// not safe for concurrent use. Callers must also serialize Sections that
// touch the same region of the same file.
type Section struct {
	path  string
	order binary.ByteOrder
	start int64 // absolute offset of the section within the file
	end   int64 // absolute offset one past the last section byte

	r       *sectionReader
	groups  []FilenameGroup
	scratch [scratchLen]byte
}

// NewSection returns a Section for the __llvm_covmap section of the given
// size at the given absolute byte offset within the Mach-O file at path.
// Multi-byte fields are decoded using order, which callers derive from the
// Mach-O header magic.
func NewSection(path string, offset, size uint64, order binary.ByteOrder) *Section {
	return &Section{
		path:  path,
		order: order,
		start: int64(offset),
		end:   int64(offset) + int64(size),
	}
}

// FilenameGroups returns the groups indexed by Read, in file order.
func (s *Section) FilenameGroups() []FilenameGroup {
	return s.groups
}

// Close releases the underlying file handle.
func (s *Section) Close() error {
	if s.r == nil {
		return nil
	}
	err := s.r.f.Close()
	s.r = nil
	return err
}

// Read opens the file for read+write and parses every coverage mapping
// record in the section, indexing its filename groups for later patching.
// The parse must consume the section exactly; landing anywhere but the
// section end means the file is corrupt.
func (s *Section) Read() error {
	if s.r != nil {
		if err := s.Close(); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s for r/w: %w", s.path, err)
	}
	s.r = &sectionReader{f: f, pos: s.start}
	s.groups = s.groups[:0]

	for hasMore := true; hasMore; {
		hasMore, err = s.readCoverageMapping()
		if err != nil {
			return err
		}
	}

	if s.r.pos != s.end {
		return &FormatError{
			off: s.r.pos,
			msg: "read covmap offset does not match end of section",
			val: fmt.Sprintf("%#x != %#x", s.r.pos, s.end),
		}
	}
	return nil
}

// A coverage mapping record starts with four 32-bit fields. The version is
// stored off by one, and the first field counts function records rather than
// bytes.
type covmapHeader struct {
	NFuncRecords  uint32
	FilenamesSize uint32
	CoverageSize  uint32
	Version       uint32
}

// Function records precede the filename data in each record. None of their
// fields matter for filename patching; they are decoded only to detect short
// reads at the right offset.
type funcRecordV1 struct {
	NameRef  uint64
	NameLen  uint32
	DataSize uint32
	FuncHash uint64
}

type funcRecordV2 struct {
	NameMD5  uint64
	DataSize uint32
	FuncHash uint64
}

// readCoverageMapping consumes one coverage mapping record and reports
// whether another record follows within the section.
func (s *Section) readCoverageMapping() (bool, error) {
	hdrOff := s.r.pos

	var hdr covmapHeader
	if err := binary.Read(s.r, s.order, &hdr); err != nil {
		return false, &FormatError{off: hdrOff, msg: "failed to read coverage mapping", val: err}
	}

	version := hdr.Version + 1
	switch version {
	case 1:
		if err := s.readFunctionRecords(hdr.NFuncRecords); err != nil {
			return false, err
		}
	case 2:
		if err := s.readV2FunctionRecords(hdr.NFuncRecords); err != nil {
			return false, err
		}
	default:
		return false, &FormatError{off: hdrOff, msg: "unsupported covmap version", val: version}
	}

	dataStart := s.r.pos

	g, err := s.readFilenameGroup()
	if err != nil {
		return false, err
	}
	s.groups = append(s.groups, g)

	// Skip past the rest of the record's data.
	dataEnd := dataStart + int64(hdr.FilenamesSize) + int64(hdr.CoverageSize)
	hasMore := dataEnd != s.end
	if hasMore {
		// Records are 8 byte aligned within the section.
		if misalign := dataEnd & 0x07; misalign != 0 {
			dataEnd += 8 - misalign
		}
	}
	s.r.pos = dataEnd

	return hasMore, nil
}

// readFilenameGroup parses one ULEB128-counted list of length-prefixed
// filename strings, recording where it sits in the file and how many bytes
// its encoded form occupies.
func (s *Section) readFilenameGroup() (FilenameGroup, error) {
	g := FilenameGroup{Offset: s.r.pos}

	numFilenames, n, err := readUleb128(s.r)
	if err != nil {
		return g, &FormatError{off: g.Offset, msg: "failed to read filename count", val: err}
	}
	g.Size = int64(n)

	for i := uint64(0); i < numFilenames; i++ {
		offset := s.r.pos

		filenameLen, n, err := readUleb128(s.r)
		if err != nil {
			return g, &FormatError{off: offset, msg: "failed to read filename length", val: err}
		}
		if int64(filenameLen) > s.end-s.r.pos {
			return g, &FormatError{off: offset, msg: "filename length exceeds section", val: filenameLen}
		}

		buf := s.scratch[:]
		if filenameLen > uint64(len(buf)) {
			buf = make([]byte, filenameLen)
		}
		buf = buf[:filenameLen]
		if _, err := io.ReadFull(s.r, buf); err != nil {
			return g, fmt.Errorf("failed to read filename at %#x: %w", offset, err)
		}

		g.Filenames = append(g.Filenames, string(buf))
		g.Size += int64(n) + int64(filenameLen)
	}

	return g, nil
}

func (s *Section) readFunctionRecords(count uint32) error {
	for i := uint32(0); i < count; i++ {
		var rec funcRecordV1
		if err := binary.Read(s.r, s.order, &rec); err != nil {
			return fmt.Errorf("failed to read function record at %#x: %w", s.r.pos, err)
		}
	}
	return nil
}

func (s *Section) readV2FunctionRecords(count uint32) error {
	for i := uint32(0); i < count; i++ {
		var rec funcRecordV2
		if err := binary.Read(s.r, s.order, &rec); err != nil {
			return fmt.Errorf("failed to read function record at %#x: %w", s.r.pos, err)
		}
	}
	return nil
}

// sectionReader tracks an absolute position within the underlying file, the
// way a stdio cursor would, while leaving the file free for positioned
// writes.
type sectionReader struct {
	f   *os.File
	pos int64
}

func (r *sectionReader) Read(p []byte) (int, error) {
	n, err := r.f.ReadAt(p, r.pos)
	r.pos += int64(n)
	return n, err
}

func (r *sectionReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
