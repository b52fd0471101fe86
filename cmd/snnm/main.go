// Command snnm prints the local/global/extern symbol tables of one or
// more SN object files (spec.md §1: the thin "nm-style symbol-listing
// tool" the core linker exposes only through internal/snobj's public
// surface). It does not link; it exists to exercise and demonstrate the
// parser.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sn2omf/sn2omf/internal/model"
	"github.com/sn2omf/sn2omf/internal/snobj"
)

var (
	onlyGlobal  bool
	onlyExtern  bool
	noSort      bool
	reverseSort bool
	sortByValue bool
	valueFormat string
)

var rootCmd = &cobra.Command{
	Use:           "snnm file.o [file.o ...]",
	Short:         "List the symbol table of one or more SN object files",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runNM,
}

func init() {
	rootCmd.Flags().BoolVarP(&onlyGlobal, "global", "g", false, "only external (global) symbols")
	rootCmd.Flags().BoolVarP(&onlyExtern, "undefined", "u", false, "only undefined (extern) symbols")
	rootCmd.Flags().BoolVarP(&noSort, "no-sort", "p", false, "do not sort")
	rootCmd.Flags().BoolVarP(&reverseSort, "reverse", "r", false, "reverse sort")
	rootCmd.Flags().BoolVarP(&sortByValue, "value-sort", "v", false, "sort by value instead of name")
	rootCmd.Flags().StringVarP(&valueFormat, "format", "t", "x", "value format: d(ecimal)|o(ctal)|x(hex)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// symEntry is one row of the printed table: a symbol's name, its section-
// relative (or absolute) value, and a one-letter type code matching the
// original sn-nm: t/T text (local/global), a/A absolute (local/global),
// U undefined (extern).
type symEntry struct {
	name  string
	value uint32
	typ   byte
}

func runNM(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("no input files given")
	}

	includeLocal, includeGlobal, includeExtern := true, true, true
	switch {
	case onlyGlobal:
		includeLocal, includeExtern = false, false
	case onlyExtern:
		includeLocal, includeGlobal = false, false
	}

	for i, path := range args {
		u, err := snobj.ParseFile(path)
		if err != nil {
			return err
		}

		syms := collectSymbols(u, includeLocal, includeGlobal, includeExtern)
		if !noSort {
			sortSymbols(syms)
		}
		if reverseSort {
			reverseEntries(syms)
		}

		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("%s:\n", path)
		for _, e := range syms {
			printEntry(e)
		}
	}
	return nil
}

func collectSymbols(u *model.Unit, includeLocal, includeGlobal, includeExtern bool) []symEntry {
	var out []symEntry
	if includeLocal {
		for _, s := range u.Locals {
			typ := byte('t')
			if s.SectionID == 0 {
				typ = 'a'
			}
			out = append(out, symEntry{name: s.Name, value: s.Value, typ: typ})
		}
	}
	if includeGlobal {
		for _, s := range u.Globals {
			typ := byte('T')
			if s.SectionID == 0 {
				typ = 'A'
			}
			out = append(out, symEntry{name: s.Name, value: s.Value, typ: typ})
		}
	}
	if includeExtern {
		for _, s := range u.Externs {
			out = append(out, symEntry{name: s.Name, typ: 'U'})
		}
	}
	return out
}

func sortSymbols(syms []symEntry) {
	sort.SliceStable(syms, func(i, j int) bool {
		if sortByValue {
			return syms[i].value < syms[j].value
		}
		return syms[i].name < syms[j].name
	})
}

func reverseEntries(syms []symEntry) {
	for i, j := 0, len(syms)-1; i < j; i, j = i+1, j-1 {
		syms[i], syms[j] = syms[j], syms[i]
	}
}

func printEntry(e symEntry) {
	if e.typ == 'U' {
		fmt.Printf("%10s %c %s\n", "", e.typ, e.name)
		return
	}
	var valueStr string
	switch valueFormat {
	case "d":
		valueStr = fmt.Sprintf("%010d", e.value)
	case "o":
		valueStr = fmt.Sprintf("%010o", e.value)
	default:
		valueStr = fmt.Sprintf("%010x", e.value)
	}
	fmt.Printf("%s %c %s\n", valueStr, e.typ, e.name)
}
