package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/blacktop/go-covmap"
	"github.com/blacktop/go-dwarf"
	"github.com/blacktop/go-macho"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var scanCmd = &cobra.Command{
	Use:   "scan <object_file>...",
	Short: "list source paths recorded in LLVM coverage maps",
	Long: `Lists every source path recorded in the __llvm_covmap sections of the
given object files, the paths a patch run would match against.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().Bool("dwarf", false, "also list DWARF compile unit paths")
	viper.BindPFlag("dwarf", scanCmd.Flags().Lookup("dwarf"))
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.New("at least one object file is required")
	}

	for _, file := range args {
		groups, err := covmap.ScanFile(file)
		switch {
		case errors.Is(err, covmap.ErrNoCovmap):
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		case err != nil:
			return err
		}

		for i, g := range groups {
			fmt.Printf("%s: filename group %d at %#x (%d bytes)\n", file, i, g.Offset, g.Size)
			for _, name := range g.Filenames {
				fmt.Printf("\t%s\n", name)
			}
		}

		if viper.GetBool("dwarf") {
			if err := listCompileUnits(file); err != nil {
				return err
			}
		}
	}
	return nil
}

// listCompileUnits prints each DWARF compile unit's source path and
// compilation directory, the other place sandbox paths end up in a build.
func listCompileUnits(path string) error {
	var files []*macho.File

	if ff, err := macho.OpenFat(path); err == nil {
		defer ff.Close()
		for _, arch := range ff.Arches {
			files = append(files, arch.File)
		}
	} else if errors.Is(err, macho.ErrNotFat) {
		m, err := macho.Open(path)
		if err != nil {
			return err
		}
		defer m.Close()
		files = append(files, m)
	} else {
		return err
	}

	for _, m := range files {
		d, err := m.DWARF()
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %s: no DWARF data: %v\n", path, err)
			continue
		}

		r := d.Reader()
		for {
			entry, err := r.Next()
			if err != nil {
				return err
			}
			if entry == nil {
				break
			}
			if entry.Tag != dwarf.TagCompileUnit {
				r.SkipChildren()
				continue
			}

			name, _ := entry.Val(dwarf.AttrName).(string)
			compDir, _ := entry.Val(dwarf.AttrCompDir).(string)
			fmt.Printf("%s: compile unit %s (comp_dir %s)\n", path, name, compDir)
			r.SkipChildren()
		}
	}
	return nil
}
