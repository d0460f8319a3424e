// Command kernlint is a build-time layering check: no package under
// kern/... may import anything under user/.... This is the concrete
// expression of spec.md's insistence that privileged kernel code and
// the user-space COW fork protocol communicate only through the
// Syscalls interface boundary (user/fork.Syscalls) — the kernel must
// never reach back into user code by name.
//
// Grounded in the teacher's dependency on golang.org/x/tools (their
// own build tooling used it for a different purpose; here it drives
// go/packages' import graph instead).
package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/tools/go/packages"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kernlint:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps,
	}
	pkgs, err := packages.Load(cfg, "./kern/...")
	if err != nil {
		return fmt.Errorf("loading packages: %w", err)
	}

	var violations []string
	for _, p := range pkgs {
		for _, err := range p.Errors {
			return fmt.Errorf("%s: %v", p.PkgPath, err)
		}
		for imp := range p.Imports {
			if isUserPackage(imp) {
				violations = append(violations, fmt.Sprintf("%s imports %s", p.PkgPath, imp))
			}
		}
	}

	if len(violations) > 0 {
		return fmt.Errorf("kernel packages must not import user/...:\n  %s", strings.Join(violations, "\n  "))
	}
	return nil
}

func isUserPackage(importPath string) bool {
	return importPath == "exonix/user" || strings.HasPrefix(importPath, "exonix/user/")
}
