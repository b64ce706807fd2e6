package covmap

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMagic64     = 0xfeedfacf
	testCPUAmd64    = 0x01000007
	testMHObject    = 0x1
	testLCSegment64 = 0x19
)

// buildThinObject assembles a minimal 64-bit little endian MH_OBJECT with a
// single __DATA segment holding one section of the given name whose contents
// are payload. Load commands end at offset 184, which keeps the payload
// 8 byte aligned.
func buildThinObject(sectName string, payload []byte) []byte {
	le := binary.LittleEndian
	buf := make([]byte, 184+len(payload))

	// mach_header_64
	le.PutUint32(buf[0:], testMagic64)
	le.PutUint32(buf[4:], testCPUAmd64)
	le.PutUint32(buf[8:], 3) // CPU_SUBTYPE_X86_64_ALL
	le.PutUint32(buf[12:], testMHObject)
	le.PutUint32(buf[16:], 1)     // ncmds
	le.PutUint32(buf[20:], 72+80) // sizeofcmds

	// segment_command_64 with one section
	seg := buf[32:]
	le.PutUint32(seg[0:], testLCSegment64)
	le.PutUint32(seg[4:], 72+80)
	copy(seg[8:24], "__DATA")
	le.PutUint64(seg[32:], uint64(len(payload))) // vmsize
	le.PutUint64(seg[40:], 184)                  // fileoff
	le.PutUint64(seg[48:], uint64(len(payload))) // filesize
	le.PutUint32(seg[56:], 7)                    // maxprot
	le.PutUint32(seg[60:], 3)                    // initprot
	le.PutUint32(seg[64:], 1)                    // nsects

	// section_64
	sec := buf[104:]
	copy(sec[0:16], sectName)
	copy(sec[16:32], "__DATA")
	le.PutUint64(sec[40:], uint64(len(payload))) // size
	le.PutUint32(sec[48:], 184)                  // offset

	copy(buf[184:], payload)
	return buf
}

// buildFatObject wraps a thin image in a single-arch fat container with the
// slice at offset 4096.
func buildFatObject(thin []byte) []byte {
	be := binary.BigEndian
	buf := make([]byte, 4096+len(thin))

	be.PutUint32(buf[0:], 0xcafebabe)
	be.PutUint32(buf[4:], 1) // nfat_arch
	be.PutUint32(buf[8:], testCPUAmd64)
	be.PutUint32(buf[12:], 3)
	be.PutUint32(buf[16:], 4096)
	be.PutUint32(buf[20:], uint32(len(thin)))
	be.PutUint32(buf[24:], 12) // 1 << 12 alignment

	copy(buf[4096:], thin)
	return buf
}

func writeTempMachO(t *testing.T, image []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.o")
	require.NoError(t, os.WriteFile(path, image, 0o644))
	return path
}

func testPayload() []byte {
	return encodeCovmap(binary.LittleEndian, []testRecord{
		{version: 1, nFuncs: 1, filenames: []string{"/sandbox/root/foo.m", "/sandbox/root/bar.m"}, coverage: 8},
	})
}

func TestPatchFileThin(t *testing.T) {
	path := writeTempMachO(t, buildThinObject(SectionName, testPayload()))

	modified, err := PatchFile(path, "/sandbox/root", "/Users/me")
	require.NoError(t, err)
	assert.True(t, modified)

	groups, err := ScanFile(path)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.GreaterOrEqual(t, len(groups[0].Filenames), 2)
	assert.Equal(t, "/Users/me/foo.m", groups[0].Filenames[0])
	assert.Equal(t, "/Users/me/bar.m", groups[0].Filenames[1])
}

func TestPatchFileFat(t *testing.T) {
	path := writeTempMachO(t, buildFatObject(buildThinObject(SectionName, testPayload())))

	modified, err := PatchFile(path, "/sandbox/root", "/Users/me")
	require.NoError(t, err)
	assert.True(t, modified)

	groups, err := ScanFile(path)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "/Users/me/foo.m", groups[0].Filenames[0])
}

func TestPatchFileIdempotentPrefix(t *testing.T) {
	path := writeTempMachO(t, buildThinObject(SectionName, testPayload()))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	modified, err := PatchFile(path, "/sandbox/root", "/sandbox/root")
	require.NoError(t, err)
	assert.False(t, modified)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestScanFileNoCovmap(t *testing.T) {
	path := writeTempMachO(t, buildThinObject("__const", []byte{1, 2, 3, 4}))

	_, err := ScanFile(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCovmap), "got %v", err)
}

func TestPatchFileNotMachO(t *testing.T) {
	path := writeTempMachO(t, []byte(strings.Repeat("not a mach-o", 16)))

	_, err := PatchFile(path, "/a", "/b")
	require.Error(t, err)
}

func TestPatchFileMissing(t *testing.T) {
	_, err := PatchFile(filepath.Join(t.TempDir(), "missing.o"), "/a", "/b")
	require.Error(t, err)
}
