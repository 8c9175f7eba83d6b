// Command kmodctl inspects and validates kernel module images (.kso
// files): ELF shared objects carrying the custom PT_LOOS segments
// kernel/module's loader reads as a module's version, author, and
// description, alongside the usual PT_DYNAMIC symbol and relocation
// tables.
package main

import (
	"debug/elf"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Custom program header types, mirroring kernel/module/elf.go's
// ptModVersion/ptModAuthor/ptModDesc. debug/elf has no names for these
// since they are specific to this kernel's module ABI.
const (
	ptModVersion elf.ProgType = 0x60000001
	ptModAuthor  elf.ProgType = 0x60000002
	ptModDesc    elf.ProgType = 0x60000003
)

func main() {
	root := &cobra.Command{
		Use:   "kmodctl",
		Short: "Inspect and validate menix kernel module images",
	}

	root.AddCommand(inspectCmd())
	root.AddCommand(verifyCmd())

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <module.kso>",
		Short: "Print a module image's metadata, dependencies, and symbol table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := elf.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()

			printMetadata(f)
			if err := printNeeded(f); err != nil {
				return err
			}
			return printSymbols(f)
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <module.kso>",
		Short: "Check that a module image has everything the loader requires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := elf.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()

			problems := verifyImage(f)
			for _, p := range problems {
				fmt.Println("FAIL:", p)
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d problem(s) found", len(problems))
			}
			fmt.Println("OK")
			return nil
		},
	}
}

// moduleMetadata extracts the version/author/description strings carried
// in a module image's custom PT_LOOS segments.
func moduleMetadata(f *elf.File) map[string]string {
	meta := make(map[string]string)
	for _, prog := range f.Progs {
		var label string
		switch prog.Type {
		case ptModVersion:
			label = "version"
		case ptModAuthor:
			label = "author"
		case ptModDesc:
			label = "description"
		default:
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err == nil {
			meta[label] = string(data)
		}
	}
	return meta
}

func printMetadata(f *elf.File) {
	fmt.Println("metadata:")
	for _, label := range []string{"version", "author", "description"} {
		if v, ok := moduleMetadata(f)[label]; ok {
			fmt.Printf("  %-12s %s\n", label, v)
		}
	}
}

func printNeeded(f *elf.File) error {
	needed, err := f.DynString(elf.DT_NEEDED)
	if err != nil {
		return fmt.Errorf("reading needed libraries: %w", err)
	}
	fmt.Println("needed:")
	if len(needed) == 0 {
		fmt.Println("  (none)")
	}
	for _, n := range needed {
		fmt.Printf("  %s\n", n)
	}
	return nil
}

func printSymbols(f *elf.File) error {
	syms, err := f.DynamicSymbols()
	if err != nil {
		return fmt.Errorf("reading dynamic symbols: %w", err)
	}

	var defined, undefined int
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF {
			undefined++
		} else {
			defined++
		}
	}
	fmt.Printf("symbols: %d defined, %d undefined\n", defined, undefined)
	return nil
}

// verifyImage checks the invariants kernel/module/module.go's loader
// assumes on every image it loads: a PT_DYNAMIC segment, a resolvable
// string table, and at least one PT_LOAD segment to map.
func verifyImage(f *elf.File) []string {
	var problems []string

	var haveDynamic, haveLoad bool
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_DYNAMIC:
			haveDynamic = true
		case elf.PT_LOAD:
			haveLoad = true
		}
	}
	if !haveDynamic {
		problems = append(problems, "missing PT_DYNAMIC segment")
	}
	if !haveLoad {
		problems = append(problems, "missing PT_LOAD segment")
	}

	if f.Class != elf.ELFCLASS64 {
		problems = append(problems, "not a 64-bit ELF image")
	}
	if f.Machine != elf.EM_X86_64 {
		problems = append(problems, fmt.Sprintf("unsupported machine %s", f.Machine))
	}
	if f.Type != elf.ET_DYN {
		problems = append(problems, fmt.Sprintf("expected ET_DYN, got %s", f.Type))
	}

	if _, err := f.DynamicSymbols(); err != nil {
		problems = append(problems, fmt.Sprintf("dynamic symbol table: %v", err))
	}

	return problems
}
