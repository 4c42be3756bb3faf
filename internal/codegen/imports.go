package codegen

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"regexp"
	"sort"
	"strconv"

	"github.com/iambrandonn/roam/internal/snapshot"
)

var majorVersion = regexp.MustCompile(`^v[0-9]+$`)

// SourcePackages lists the Go imports of agent source, leaving out the
// host package.
func SourcePackages(src string) ([]snapshot.Package, error) {
	f, err := parser.ParseFile(token.NewFileSet(), "", src, parser.ImportsOnly)
	if err != nil {
		return nil, fmt.Errorf("codegen: parse imports: %w", err)
	}
	var pkgs []snapshot.Package
	for _, spec := range f.Imports {
		p, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			return nil, fmt.Errorf("codegen: import path %s: %w", spec.Path.Value, err)
		}
		if p == SysImport {
			continue
		}
		pkg := snapshot.Package{Path: p}
		if spec.Name != nil {
			pkg.Name = spec.Name.Name
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

// localName is the identifier an import binds in the importing file.
func localName(pkg snapshot.Package) string {
	if pkg.Name != "" {
		return pkg.Name
	}
	base := path.Base(pkg.Path)
	if majorVersion.MatchString(base) {
		if dir := path.Dir(pkg.Path); dir != "." {
			base = path.Base(dir)
		}
	}
	return base
}

// usedPackages keeps the packages whose local name is the qualifier of a
// selector in some restored function. Unused imports do not compile.
func usedPackages(snap *snapshot.Snapshot) ([]snapshot.Package, error) {
	if len(snap.Meta.Packages) == 0 {
		return nil, nil
	}
	qualifiers := map[string]bool{}
	var visit func(v *snapshot.Value) error
	visit = func(v *snapshot.Value) error {
		if v == nil {
			return nil
		}
		if v.Type == snapshot.KindFunction && v.Source != "" {
			e, err := parser.ParseExpr(v.Source)
			if err != nil {
				return fmt.Errorf("source is not a function literal: %w", err)
			}
			ast.Inspect(e, func(n ast.Node) bool {
				if sel, ok := n.(*ast.SelectorExpr); ok {
					if id, ok := sel.X.(*ast.Ident); ok {
						qualifiers[id.Name] = true
					}
				}
				return true
			})
		}
		for _, f := range v.Fields {
			if err := visit(f); err != nil {
				return err
			}
		}
		for _, item := range v.Items {
			if err := visit(item); err != nil {
				return err
			}
		}
		return nil
	}
	err := snap.Tree.Walk(func(_, s *snapshot.Scope) error {
		for _, group := range []map[string]*snapshot.Value{s.Params, s.Refs, s.Objects} {
			for _, name := range sortedKeys(group) {
				if err := visit(group[name]); err != nil {
					return fmt.Errorf("scope %s %q: %w", s.ID, name, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var used []snapshot.Package
	seen := map[string]bool{}
	for _, pkg := range snap.Meta.Packages {
		if pkg.Path == "" || pkg.Path == SysImport || seen[pkg.Path] {
			continue
		}
		name := localName(pkg)
		if name == "_" || name == "." || !qualifiers[name] {
			continue
		}
		if err := checkIdent(name); err != nil {
			return nil, fmt.Errorf("import %q: %w", pkg.Path, err)
		}
		if name == "sys" {
			return nil, fmt.Errorf("import %q shadows the host package", pkg.Path)
		}
		seen[pkg.Path] = true
		used = append(used, pkg)
	}
	sort.Slice(used, func(i, j int) bool { return used[i].Path < used[j].Path })
	return used, nil
}
