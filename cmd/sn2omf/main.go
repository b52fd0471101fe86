// Command sn2omf links one or more SN-format relocatable object files,
// produced by a 65816 cross-assembler, into a single Apple IIgs OMF load
// file (spec.md §1-§6). The CLI itself is a thin front end: argument
// parsing and the host file-type side-channel are deliberately kept out
// of the core packages under internal/.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sn2omf/sn2omf/internal/config"
	"github.com/sn2omf/sn2omf/internal/filetag"
	"github.com/sn2omf/sn2omf/internal/linker"
	"github.com/sn2omf/sn2omf/internal/logging"
	"github.com/sn2omf/sn2omf/internal/model"
	"github.com/sn2omf/sn2omf/internal/omfwriter"
	"github.com/sn2omf/sn2omf/internal/reloc"
	"github.com/sn2omf/sn2omf/internal/snobj"
)

// usageError marks an argument/flag problem, which exits 64 rather than
// the 1 a processing failure exits with (spec.md §6).
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }

var (
	outputPath    string
	fileTypeTag   string
	linkTypeFlag  int
	omfVersion    int
	noExpressLoad bool
	noCompression bool
	noSuper       bool
	verbosity     int
	defines       []string
)

var rootCmd = &cobra.Command{
	Use:   "sn2omf file.o [file.o ...]",
	Short: "Link SN object files into an Apple IIgs OMF load file",
	Long: `sn2omf merges one or more SN-format relocatable object files into a
single Apple IIgs OMF load file: it places each input section into an
output segment, resolves external and section-relative symbol
references, simplifies relocation expressions, and serializes OMF
records, optionally using compressed and super-record encodings plus an
ExpressLoad header.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runLink,
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "a.out", "output OMF file path")
	rootCmd.Flags().StringVarP(&fileTypeTag, "type", "t", "", "host file-type tag (opaque, passed through)")
	rootCmd.Flags().IntVarP(&linkTypeFlag, "link-type", "l", 1, "link type: 0=one segment, 1=per group, 2=per group+section")
	rootCmd.Flags().IntVarP(&omfVersion, "omf-version", "O", 2, "OMF version: 1 or 2")
	rootCmd.Flags().BoolVarP(&noExpressLoad, "no-expressload", "E", false, "inhibit ExpressLoad header")
	rootCmd.Flags().BoolVarP(&noCompression, "no-compress", "C", false, "inhibit compressed RELOC/INTERSEG records")
	rootCmd.Flags().BoolVarP(&noSuper, "no-super", "S", false, "inhibit super-record packing")
	rootCmd.Flags().CountVarP(&verbosity, "verbose", "v", "verbose diagnostics (repeat for more detail)")
	rootCmd.Flags().StringArrayVarP(&defines, "define", "D", nil, "define name[=value] (decimal, 0x/$ hex, % binary)")
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if _, ok := err.(usageError); ok {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(64)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runLink(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return usageError{fmt.Errorf("no input files given")}
	}

	logger := logging.New(verbosity, os.Stderr)

	lt, err := parseLinkType(linkTypeFlag)
	if err != nil {
		return usageError{err}
	}
	if omfVersion != 1 && omfVersion != 2 {
		return usageError{fmt.Errorf("invalid -O %d: must be 1 or 2", omfVersion)}
	}

	defs, err := config.ParseDefines(defines)
	if err != nil {
		return usageError{err}
	}

	units := make([]*model.Unit, 0, len(args)+1)
	for _, path := range args {
		logger.Info("parsing", "file", path)
		u, err := snobj.ParseFile(path)
		if err != nil {
			return err
		}
		units = append(units, u)
	}
	if len(defs) > 0 {
		units = append(units, definesUnit(defs))
	}

	prog, mergeWarnings, err := linker.Merge(units, lt)
	if err != nil {
		return err
	}
	for _, w := range mergeWarnings {
		logger.Warn(w.Msg, "location", w.Loc.String())
	}

	var resolver reloc.Resolver
	for _, u := range units {
		if err := resolver.ResolveUnit(u, prog, 1); err != nil {
			return err
		}
	}
	for _, seg := range prog.Segments {
		reloc.SortSegment(seg)
	}
	for _, w := range resolver.Warnings {
		logger.Warn(w.Msg, "location", w.Loc.String())
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outputPath, err)
	}

	opt := omfwriter.Options{
		Version:            uint8(omfVersion),
		InhibitCompression: noCompression,
		InhibitSuper:       noSuper,
		InhibitExpressLoad: noExpressLoad,
	}
	if err := omfwriter.Write(out, prog, opt); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", outputPath, err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	if err := filetag.Set(outputPath, fileTypeTag); err != nil {
		return fmt.Errorf("setting file type on %s: %w", outputPath, err)
	}

	logger.Info("linked", "output", outputPath, "segments", len(prog.Segments), "warnings", len(resolver.Warnings))
	return nil
}

func parseLinkType(n int) (linker.LinkType, error) {
	switch n {
	case 0:
		return linker.L0, nil
	case 1:
		return linker.L1, nil
	case 2:
		return linker.L2, nil
	default:
		return 0, fmt.Errorf("invalid -l %d: must be 0, 1 or 2", n)
	}
}

// definesUnit wraps -D defines as a synthetic unit whose global symbols
// are ordinary absolute equates, so the core linker (internal/linker)
// sees them exactly like any other unit's globals (spec.md §2
// "Configuration": "the core linker sees them as ordinary absolute
// globals").
func definesUnit(defs []config.Define) *model.Unit {
	u := &model.Unit{Filename: "<command-line>"}
	for _, d := range defs {
		u.Globals = append(u.Globals, model.Symbol{Name: d.Name, SectionID: 0, Value: d.Value})
	}
	return u
}
