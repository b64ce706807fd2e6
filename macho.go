package covmap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blacktop/go-macho"
)

// SectionName is the Mach-O section that carries LLVM coverage mapping data.
const SectionName = "__llvm_covmap"

// Segments that may carry the coverage map. Older toolchains emitted it into
// __DATA, newer ones into a dedicated __LLVM_COV segment.
var covmapSegments = []string{"__DATA", "__LLVM_COV"}

// ErrNoCovmap is returned when a Mach-O file has no __llvm_covmap section in
// any of its architecture slices.
var ErrNoCovmap = errors.New("no __llvm_covmap section found")

// sectionInfo locates one __llvm_covmap section within a file.
type sectionInfo struct {
	offset uint64
	size   uint64
	order  binary.ByteOrder
}

// covmapSections opens the Mach-O (thin or fat) at path and returns the
// absolute location and byte order of every __llvm_covmap section.
func covmapSections(path string) ([]sectionInfo, error) {
	var infos []sectionInfo

	if ff, err := macho.OpenFat(path); err == nil {
		defer ff.Close()
		for _, arch := range ff.Arches {
			// Section offsets are relative to the architecture slice.
			infos = append(infos, archSections(arch.File, uint64(arch.Offset))...)
		}
	} else if errors.Is(err, macho.ErrNotFat) {
		f, err := macho.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read Mach-O content from %s: %w", path, err)
		}
		defer f.Close()
		infos = archSections(f, 0)
	} else {
		return nil, fmt.Errorf("failed to read Mach-O content from %s: %w", path, err)
	}

	if len(infos) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoCovmap)
	}
	return infos, nil
}

func archSections(f *macho.File, base uint64) []sectionInfo {
	var infos []sectionInfo
	for _, seg := range covmapSegments {
		if sec := f.Section(seg, SectionName); sec != nil {
			infos = append(infos, sectionInfo{
				offset: base + uint64(sec.Offset),
				size:   sec.Size,
				order:  f.ByteOrder,
			})
		}
	}
	return infos
}

// PatchFile rewrites filename prefixes in every __llvm_covmap section of the
// Mach-O file at path, in place. It reports whether any filename changed.
func PatchFile(path, oldPrefix, newPrefix string) (bool, error) {
	infos, err := covmapSections(path)
	if err != nil {
		return false, err
	}

	modified := false
	for _, info := range infos {
		s := NewSection(path, info.offset, info.size, info.order)
		if err := s.Read(); err != nil {
			s.Close()
			return modified, err
		}

		m, err := s.PatchFilenames(oldPrefix, newPrefix)
		if cerr := s.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return modified, err
		}
		modified = modified || m
	}
	return modified, nil
}

// ScanFile returns the filename groups of every __llvm_covmap section in the
// Mach-O file at path, in file order.
func ScanFile(path string) ([]FilenameGroup, error) {
	infos, err := covmapSections(path)
	if err != nil {
		return nil, err
	}

	var groups []FilenameGroup
	for _, info := range infos {
		s := NewSection(path, info.offset, info.size, info.order)
		err := s.Read()
		if cerr := s.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, err
		}
		groups = append(groups, s.FilenameGroups()...)
	}
	return groups, nil
}
