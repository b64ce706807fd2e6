package covmap

import (
	"fmt"
	"strings"
)

// Padding filler entries are written in units of at most 128 bytes: one
// length byte (<= 127) followed by that many zero content bytes.
const maxPadUnit = 128

// PatchFilenames rewrites every indexed filename that starts with oldPrefix,
// replacing the prefix with newPrefix, and writes each dirty group back to
// its original file offset. Freed bytes are consumed by trailing zero
// content filler entries so the section layout does not shift. It reports
// whether any filename changed.
//
// Prefixes are compared byte for byte, with no path normalization. A
// re-encoded group can never exceed the size it occupies on disk, so
// newPrefix must not be longer than oldPrefix.
func (s *Section) PatchFilenames(oldPrefix, newPrefix string) (bool, error) {
	modified := false

	for _, g := range s.groups {
		newGroup := FilenameGroup{Offset: g.Offset, Size: g.Size}
		needsRewrite := false

		for _, filename := range g.Filenames {
			if !strings.HasPrefix(filename, oldPrefix) {
				newGroup.Filenames = append(newGroup.Filenames, filename)
				continue
			}

			patched := newPrefix + filename[len(oldPrefix):]
			newGroup.Filenames = append(newGroup.Filenames, patched)
			if patched != filename {
				needsRewrite = true
			}
		}

		if !needsRewrite {
			continue
		}

		encoded := newGroup.encodedLen()
		if encoded > g.Size {
			return modified, &FormatError{
				off: g.Offset,
				msg: "patched filename group grew beyond its on-disk size",
				val: fmt.Sprintf("%d > %d", encoded, g.Size),
			}
		}

		if err := s.writeFilenameGroup(newGroup, g.Size-encoded); err != nil {
			return modified, err
		}
		modified = true
	}

	return modified, nil
}

// padUnits returns the number of zero content filler entries needed to fill
// exactly n bytes.
func padUnits(n int64) uint64 {
	var u uint64
	for n > 129 {
		n -= maxPadUnit
		u++
	}
	if n == 129 {
		// A 128 byte unit here would strand a single byte, which cannot be
		// expressed as a length-prefixed string; a 127 byte unit leaves two.
		return u + 2
	}
	if n > 0 {
		u++
	}
	return u
}

// writeFilenameGroup encodes g back to its original file offset, appending
// zero content filler entries after the real ones until padding bytes are
// consumed. The order of the real entries must be preserved as encoded
// coverage data refers to filenames by index; that also makes the appended
// filler entries invisible to it.
func (s *Section) writeFilenameGroup(g FilenameGroup, padding int64) error {
	stringCount := uint64(len(g.Filenames))
	rem := padding

	if padding > 0 {
		// Growing the string count can itself cost extra ULEB128 bytes,
		// which come out of the padding. Iterate until the count and the
		// filler bytes agree.
		countLen := uleb128Len(stringCount)
		overhead := 0
		for {
			n := uleb128Len(stringCount+padUnits(padding-int64(overhead))) - countLen
			if n == overhead {
				break
			}
			overhead = n
			if int64(overhead) >= padding {
				// Could be supported by borrowing slack from sibling groups,
				// but that would shift bytes across a group boundary that
				// absolute offsets elsewhere may reference.
				return &FormatError{
					off: g.Offset,
					msg: "cannot fit padding",
					val: fmt.Sprintf("%d bytes needed but string count requires %d", padding, overhead),
				}
			}
		}
		rem = padding - int64(overhead)
		stringCount += padUnits(rem)
	}

	out := make([]byte, 0, g.encodedLen()+padding)
	out = appendUleb128(out, stringCount)
	for _, filename := range g.Filenames {
		out = appendUleb128(out, uint64(len(filename)))
		out = append(out, filename...)
	}

	if rem > 0 {
		pad := s.scratch[:maxPadUnit]
		for i := range pad {
			pad[i] = 0
		}

		// Inject empty 127 character strings (each of which takes 128
		// bytes), leaving room for one or two final strings that consume
		// whatever remains.
		pad[0] = maxPadUnit - 1
		for rem > 129 {
			out = append(out, pad...)
			rem -= maxPadUnit
		}

		// The degenerate case: writing 128 bytes would leave 1 byte of
		// padding, which is impossible to express as a length-prefixed
		// filename.
		if rem == 129 {
			pad[0] = 126
			out = append(out, pad[:127]...)
			rem -= 127
		}

		// At this point 128 or fewer bytes are left, which fits in a single
		// string.
		if rem > 0 {
			pad[0] = byte(rem - 1)
			out = append(out, pad[:rem]...)
		}
	}

	if _, err := s.r.f.WriteAt(out, g.Offset); err != nil {
		return fmt.Errorf("failed to write filename group at %#x: %w", g.Offset, err)
	}
	return nil
}
