// Package covmap reads and patches LLVM __llvm_covmap sections in Mach-O
// files.
//
// Coverage maps record the path of every instrumented source file. Binaries
// built inside a Bazel sandbox record the sandbox execroot in those paths, so
// coverage reports end up pointing at files that no longer exist. This
// package rewrites matching path prefixes in place, padding the freed bytes
// with syntactically valid filler entries so that no other byte of the file
// moves; absolute offsets elsewhere in the binary keep pointing at the right
// places.
package covmap

import "fmt"

// FormatError is returned by some operations if the data does
// not have the correct format for a coverage map section.
type FormatError struct {
	off int64
	msg string
	val interface{}
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}
