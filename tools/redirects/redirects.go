package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
)

const (
	redirectDirective = "//go:redirect-from"
	redirectSection   = ".goredirectstbl"
)

// redirect maps a runtime symbol (src) to the kernel function that replaces
// it (dst).
type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

// modulePath returns the module path declared in the go.mod file inside
// root.
func modulePath(root string) (string, error) {
	goModPath := filepath.Join(root, "go.mod")
	data, err := os.ReadFile(goModPath)
	if err != nil {
		return "", err
	}

	modPath := modfile.ModulePath(data)
	if modPath == "" {
		return "", fmt.Errorf("%s: missing module directive", goModPath)
	}

	return modPath, nil
}

// collectGoFiles returns the non-test Go files below dir.
func collectGoFiles(dir string) ([]string, error) {
	var goFiles []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		if filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go") {
			goFiles = append(goFiles, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return goFiles, nil
}

// findRedirects scans the kernel sources below root for functions annotated
// with a go:redirect-from directive. The destination symbol names are
// qualified with the import path of the package that defines them.
func findRedirects(root string) ([]*redirect, error) {
	modPath, err := modulePath(root)
	if err != nil {
		return nil, err
	}

	goFiles, err := collectGoFiles(filepath.Join(root, "kernel"))
	if err != nil {
		return nil, err
	}

	var redirects []*redirect
	for _, goFile := range goFiles {
		fset := token.NewFileSet()
		f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
		if err != nil {
			return nil, err
		}

		relDir, err := filepath.Rel(root, filepath.Dir(goFile))
		if err != nil {
			return nil, err
		}
		pkgPath := modPath + "/" + filepath.ToSlash(relDir)

		for _, decl := range f.Decls {
			fnDecl, ok := decl.(*ast.FuncDecl)
			if !ok || fnDecl.Doc == nil || fnDecl.Recv != nil {
				continue
			}

			for _, comment := range fnDecl.Doc.List {
				if !strings.HasPrefix(comment.Text, redirectDirective) {
					continue
				}

				dst := pkgPath + "." + fnDecl.Name.Name
				fields := strings.Fields(comment.Text)
				if len(fields) != 2 || fields[0] != redirectDirective {
					return nil, fmt.Errorf("%s: malformed go:redirect-from directive for %q", fset.Position(comment.Pos()), dst)
				}

				redirects = append(redirects, &redirect{src: fields[1], dst: dst})
			}
		}
	}

	return redirects, nil
}

// resolveRedirectSymbols looks up the addresses of the source and destination
// symbols of each redirect.
func resolveRedirectSymbols(redirects []*redirect, symbols []elf.Symbol) error {
	addrs := make(map[string]uint64, len(symbols))
	for _, symbol := range symbols {
		addrs[symbol.Name] = symbol.Value
	}

	for _, r := range redirects {
		r.srcVMA, r.dstVMA = addrs[r.src], addrs[r.dst]

		switch {
		case r.srcVMA == 0:
			return fmt.Errorf("could not locate address of %q", r.src)
		case r.dstVMA == 0:
			return fmt.Errorf("could not locate address of %q", r.dst)
		}
	}

	return nil
}

// writeRedirectTable writes the {src, dst} address pairs of each redirect
// to w in little-endian order.
func writeRedirectTable(w io.Writer, redirects []*redirect) error {
	for _, r := range redirects {
		if err := binary.Write(w, binary.LittleEndian, [2]uint64{r.srcVMA, r.dstVMA}); err != nil {
			return err
		}
	}
	return nil
}

// populateRedirectTable resolves the redirect symbols in the kernel image and
// writes the redirect table into its .goredirectstbl section.
func populateRedirectTable(redirects []*redirect, imgFile string) error {
	img, err := elf.Open(imgFile)
	if err != nil {
		return err
	}

	section := img.Section(redirectSection)
	if section == nil {
		img.Close()
		return fmt.Errorf("%s: missing %s section", imgFile, redirectSection)
	}

	if need := uint64(len(redirects)) * 16; need > section.Size {
		img.Close()
		return fmt.Errorf("%s: %s section holds %d bytes; %d redirects need %d", imgFile, redirectSection, section.Size, len(redirects), need)
	}

	symbols, err := img.Symbols()
	img.Close()
	if err != nil {
		return err
	}

	if err := resolveRedirectSymbols(redirects, symbols); err != nil {
		return fmt.Errorf("%s: %w", imgFile, err)
	}

	f, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = f.Seek(int64(section.Offset), io.SeekStart); err != nil {
		return err
	}

	return writeRedirectTable(f, redirects)
}
