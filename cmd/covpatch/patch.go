package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/blacktop/go-covmap"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// A prefixMapping replaces Old with New in any filename that starts with Old.
type prefixMapping struct {
	Old string
	New string
}

var patchCmd = &cobra.Command{
	Use:   "patch [-m <map-file>] <object_file>... <old_path> <new_path>",
	Short: "rewrite path prefixes in LLVM coverage maps",
	Long: `Modifies the contents of the LLVM coverage map in each object file by
replacing any source paths that start with old_path with new_path.

With --prefix-map, replacements are read from a newline separated sed-style
file (",old,new," with any leading delimiter character) instead of the
trailing old_path and new_path arguments.`,
	RunE: runPatch,
}

func init() {
	patchCmd.Flags().StringP("prefix-map", "m", "", "sed-style ,old,new, prefix map file")
	viper.BindPFlag("prefix-map", patchCmd.Flags().Lookup("prefix-map"))
	rootCmd.AddCommand(patchCmd)
}

func runPatch(cmd *cobra.Command, args []string) error {
	var files []string
	var mappings []prefixMapping

	if mapFile := viper.GetString("prefix-map"); mapFile != "" {
		if len(args) < 1 {
			return errors.New("at least one object file is required")
		}
		files = args

		var err error
		mappings, err = readPrefixMap(mapFile)
		if err != nil {
			return err
		}
	} else {
		if len(args) < 3 {
			return errors.New("expected <object_file>... <old_path> <new_path>")
		}
		files = args[:len(args)-2]
		mappings = []prefixMapping{{Old: args[len(args)-2], New: args[len(args)-1]}}
	}

	// Re-encoded filename groups must fit the space the old paths occupied.
	for _, m := range mappings {
		if len(m.New) > len(m.Old) {
			return fmt.Errorf("cannot grow paths: %q is longer than %q", m.New, m.Old)
		}
	}

	verbose := viper.GetBool("verbose")
	for _, file := range files {
		if err := patchOne(file, mappings, verbose); err != nil {
			return err
		}
	}
	return nil
}

func patchOne(file string, mappings []prefixMapping, verbose bool) error {
	modified := false
	for _, m := range mappings {
		mod, err := covmap.PatchFile(file, m.Old, m.New)
		if errors.Is(err, covmap.ErrNoCovmap) {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		modified = modified || mod
	}

	if verbose {
		if modified {
			fmt.Printf("%s: coverage map patched\n", file)
		} else {
			fmt.Printf("%s: no matching paths\n", file)
		}
	}
	return nil
}

// readPrefixMap parses a sed-style map file: one ",old,new," entry per line,
// with the first character of each line picking the delimiter.
func readPrefixMap(path string) ([]prefixMapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mappings []prefixMapping
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) <= 3 {
			continue
		}

		// Split yields a leading empty token before the first delimiter.
		parts := strings.Split(line, string(line[0]))
		if len(parts) < 3 {
			return nil, fmt.Errorf("%s: invalid prefix map line %q: use sed-style ,old,new,", path, line)
		}
		mappings = append(mappings, prefixMapping{Old: parts[1], New: parts[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return mappings, nil
}
