package sandbox

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"go.starlark.net/syntax"
)

// deniedNames are host-escape primitives in the Python family of
// languages. None of them exist in Starlark, but naming one is an
// attempt to leave the sandbox and is reported as such instead of as an
// undefined name.
var deniedNames = map[string]bool{
	"open":         true,
	"exec":         true,
	"eval":         true,
	"compile":      true,
	"__import__":   true,
	"globals":      true,
	"locals":       true,
	"vars":         true,
	"input":        true,
	"breakpoint":   true,
	"__builtins__": true,
	// Host modules. Naming one is reported even without an import.
	"os":         true,
	"sys":        true,
	"subprocess": true,
	"socket":     true,
	"shutil":     true,
	"importlib":  true,
	"ctypes":     true,
	"builtins":   true,
}

// PolicyError reports code that tried to do something the sandbox
// forbids.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return "policy violation: " + e.Reason }

func violation(format string, args ...any) *PolicyError {
	return &PolicyError{Reason: fmt.Sprintf(format, args...)}
}

var (
	importRE     = regexp.MustCompile(`^(\s*)import\s+(.+?)\s*$`)
	fromImportRE = regexp.MustCompile(`^(\s*)from\s+([\w.]+)\s+import\s+(.+?)\s*$`)
)

// parseSnippet parses src, translating Python import statements into
// their Starlark equivalents so snippets written for Python keep
// working: allowed modules are pre-bound, so "import math" becomes a
// no-op and "from math import sqrt" becomes a load. Importing anything
// outside the allow-list is a policy violation.
//
// Only lines the parser rejects are rewritten, so an import-looking
// line inside a string literal is left alone. Line numbers are
// preserved.
func parseSnippet(opts *syntax.FileOptions, src string, allowed []string) (*syntax.File, error) {
	lines := strings.Split(src, "\n")
	// Every pass rewrites a different line or returns.
	for range len(lines) + 1 {
		f, err := opts.Parse("<session>", strings.Join(lines, "\n"), 0)
		if err == nil {
			return f, nil
		}
		var serr syntax.Error
		if !errors.As(err, &serr) {
			return nil, err
		}
		i := int(serr.Pos.Line) - 1
		if i < 0 || i >= len(lines) {
			return nil, err
		}
		rewritten, ok, rerr := rewriteImport(lines[i], i+1, allowed)
		if rerr != nil {
			return nil, rerr
		}
		if !ok {
			return nil, err
		}
		lines[i] = rewritten
	}
	return nil, errors.New("too many import statements")
}

// rewriteImport translates one import statement line. ok is false when
// line is not an import.
func rewriteImport(line string, lineno int, allowed []string) (_ string, ok bool, _ error) {
	if m := importRE.FindStringSubmatch(line); m != nil {
		indent := m[1]
		var stmts []string
		for _, part := range strings.Split(m[2], ",") {
			name, alias, _ := strings.Cut(strings.TrimSpace(part), " as ")
			name, alias = strings.TrimSpace(name), strings.TrimSpace(alias)
			if err := checkModule(name, allowed); err != nil {
				return "", false, err
			}
			if alias != "" && alias != name {
				stmts = append(stmts, alias+" = "+name)
			}
		}
		if len(stmts) == 0 {
			stmts = []string{"pass"}
		}
		return indent + strings.Join(stmts, "; "), true, nil
	}

	m := fromImportRE.FindStringSubmatch(line)
	if m == nil {
		return "", false, nil
	}
	indent, module, names := m[1], m[2], strings.Trim(m[3], "() ")
	if err := checkModule(module, allowed); err != nil {
		return "", false, err
	}
	if names == "*" {
		return "", false, fmt.Errorf("line %d: wildcard import is not supported; use %s.<name>", lineno, module)
	}
	if indent != "" {
		return "", false, fmt.Errorf("line %d: from-import must be at top level; use %s.<name>", lineno, module)
	}
	args := []string{fmt.Sprintf("%q", module)}
	for _, part := range strings.Split(names, ",") {
		name, alias, _ := strings.Cut(strings.TrimSpace(part), " as ")
		name, alias = strings.TrimSpace(name), strings.TrimSpace(alias)
		if name == "" {
			continue
		}
		if alias != "" && alias != name {
			args = append(args, fmt.Sprintf("%s=%q", alias, name))
		} else {
			args = append(args, fmt.Sprintf("%q", name))
		}
	}
	return "load(" + strings.Join(args, ", ") + ")", true, nil
}

func checkModule(name string, allowed []string) error {
	if slices.Contains(allowed, name) {
		return nil
	}
	return violation("import of module %q is not allowed (allowed: %s)", name, strings.Join(allowed, ", "))
}

// checkPolicy walks a parsed file and rejects loads of modules outside
// the allow-list, denied identifiers and dunder attribute access.
func checkPolicy(f *syntax.File, allowed []string) error {
	var found error
	syntax.Walk(f, func(n syntax.Node) bool {
		if found != nil {
			return false
		}
		switch n := n.(type) {
		case *syntax.LoadStmt:
			module, _ := n.Module.Value.(string)
			if err := checkModule(module, allowed); err != nil {
				found = err
			}
		case *syntax.Ident:
			if deniedNames[n.Name] {
				found = violation("%s is not available in the sandbox", n.Name)
			}
		case *syntax.DotExpr:
			if strings.HasPrefix(n.Name.Name, "__") {
				found = violation("access to attribute %s is not allowed", n.Name.Name)
			}
		}
		return found == nil
	})
	return found
}
