package harness

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"codeforge/internal/logging"
)

// Validator is one link in the static-analysis chain. Validators with
// auto-fix capability are retried up to maxFixRetries times.
type Validator interface {
	Name() string
	Check(code string) error
	// Fix attempts an automatic repair; ok=false means the validator
	// cannot fix this failure.
	Fix(code string, checkErr error) (fixed string, ok bool)
}

const maxFixRetries = 3

// Analyze runs the validator chain in order, applying auto-fixes. All
// validators must pass for the code to be registrable.
func Analyze(code string) (string, error) {
	for _, v := range []Validator{
		&syntaxValidator{},
		&undefinedNameValidator{},
		&importOrderValidator{},
	} {
		var err error
		fixed := code
		for attempt := 0; attempt <= maxFixRetries; attempt++ {
			err = v.Check(fixed)
			if err == nil {
				break
			}
			if attempt == maxFixRetries {
				break
			}
			next, ok := v.Fix(fixed, err)
			if !ok || next == fixed {
				break
			}
			logging.Get(logging.CategoryHarness).Debug("%s auto-fix attempt %d", v.Name(), attempt+1)
			fixed = next
		}
		if err != nil {
			return code, fmt.Errorf("%s: %w", v.Name(), err)
		}
		code = fixed
	}
	return code, nil
}

// =============================================================================
// SYNTAX
// =============================================================================

type syntaxValidator struct{}

func (*syntaxValidator) Name() string { return "syntax" }

type syntaxError struct {
	line int // 1-based line of the first error node
	text string
}

func (e *syntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d: %q", e.line, e.text)
}

func (*syntaxValidator) Check(code string) error {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, []byte(code))
	if err != nil {
		return fmt.Errorf("parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil
	}
	if node := firstErrorNode(root); node != nil {
		text := code[node.StartByte():node.EndByte()]
		if len(text) > 40 {
			text = text[:40]
		}
		return &syntaxError{line: int(node.StartPoint().Row) + 1, text: text}
	}
	return &syntaxError{line: 1, text: ""}
}

// Fix drops the offending line; a truncated trailing statement is the
// common synthesis failure mode.
func (*syntaxValidator) Fix(code string, checkErr error) (string, bool) {
	se, ok := checkErr.(*syntaxError)
	if !ok {
		return code, false
	}
	lines := strings.Split(code, "\n")
	if se.line < 1 || se.line > len(lines) {
		return code, false
	}
	out := append([]string{}, lines[:se.line-1]...)
	out = append(out, lines[se.line:]...)
	return strings.Join(out, "\n"), true
}

func firstErrorNode(node *sitter.Node) *sitter.Node {
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if found := firstErrorNode(node.Child(i)); found != nil {
			return found
		}
	}
	return nil
}

// =============================================================================
// UNDEFINED NAMES
// =============================================================================

// pythonBuiltins covers the names generated code legitimately calls
// without defining.
var pythonBuiltins = map[string]bool{
	"print": true, "len": true, "range": true, "int": true, "float": true,
	"str": true, "bool": true, "list": true, "dict": true, "set": true,
	"tuple": true, "sum": true, "min": true, "max": true, "abs": true,
	"round": true, "sorted": true, "reversed": true, "enumerate": true,
	"zip": true, "map": true, "filter": true, "open": true, "input": true,
	"isinstance": true, "type": true, "repr": true, "format": true,
	"any": true, "all": true, "iter": true, "next": true, "vars": true,
	"getattr": true, "setattr": true, "hasattr": true, "locals": true,
	"globals": true, "exit": true, "ord": true, "chr": true, "hash": true,
	"id": true, "divmod": true, "pow": true, "bytes": true, "frozenset": true,
	"Exception": true, "ValueError": true, "TypeError": true, "KeyError": true,
	"IndexError": true, "RuntimeError": true, "ZeroDivisionError": true,
	"StopIteration": true, "FileNotFoundError": true, "super": true,
	"staticmethod": true, "classmethod": true, "property": true, "object": true,
	"call_tool": true, // resolved by the shim import the structure pass guarantees
}

// installableModules are stdlib modules the validator can auto-import.
var installableModules = map[string]bool{
	"json": true, "sys": true, "os": true, "re": true, "math": true,
	"time": true, "random": true, "itertools": true, "collections": true,
	"datetime": true, "string": true, "functools": true,
}

type undefinedNameValidator struct{}

func (*undefinedNameValidator) Name() string { return "undefined-names" }

type undefinedNameError struct {
	names []string
}

func (e *undefinedNameError) Error() string {
	return "undefined names: " + strings.Join(e.names, ", ")
}

// Check compares called function names and attribute roots against the
// names the module defines or imports.
func (*undefinedNameValidator) Check(code string) error {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, []byte(code))
	if err != nil {
		return nil // syntax validator owns parse failures
	}
	defer tree.Close()

	src := []byte(code)
	defined := make(map[string]bool)
	used := make(map[string]bool)
	collectNames(tree.RootNode(), src, defined, used)

	var missing []string
	for name := range used {
		if !defined[name] && !pythonBuiltins[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &undefinedNameError{names: missing}
}

// Fix auto-imports missing stdlib modules; anything else is a real bug
// the repair engine must handle.
func (*undefinedNameValidator) Fix(code string, checkErr error) (string, bool) {
	ue, ok := checkErr.(*undefinedNameError)
	if !ok {
		return code, false
	}
	fixedAny := false
	for _, name := range ue.names {
		if installableModules[name] {
			code = "import " + name + "\n" + code
			fixedAny = true
		}
	}
	return code, fixedAny
}

// collectNames walks the AST gathering defined names (defs, classes,
// params, assignment targets, imports, loop vars) and used names (call
// targets and attribute roots).
func collectNames(node *sitter.Node, src []byte, defined, used map[string]bool) {
	text := func(n *sitter.Node) string {
		return string(src[n.StartByte():n.EndByte()])
	}

	switch node.Type() {
	case "function_definition", "class_definition":
		if name := node.ChildByFieldName("name"); name != nil {
			defined[text(name)] = true
		}
	case "parameters":
		for i := 0; i < int(node.NamedChildCount()); i++ {
			p := node.NamedChild(i)
			switch p.Type() {
			case "identifier":
				defined[text(p)] = true
			case "default_parameter", "typed_parameter", "typed_default_parameter":
				if name := p.ChildByFieldName("name"); name != nil {
					defined[text(name)] = true
				} else if id := p.NamedChild(0); id != nil && id.Type() == "identifier" {
					defined[text(id)] = true
				}
			case "list_splat_pattern", "dictionary_splat_pattern":
				if id := p.NamedChild(0); id != nil && id.Type() == "identifier" {
					defined[text(id)] = true
				}
			}
		}
	case "assignment", "augmented_assignment":
		if left := node.ChildByFieldName("left"); left != nil {
			defineTargets(left, src, defined)
		}
	case "for_statement":
		if left := node.ChildByFieldName("left"); left != nil {
			defineTargets(left, src, defined)
		}
	case "with_item":
		// "with open(...) as f" defines f via as_pattern.
		for i := 0; i < int(node.NamedChildCount()); i++ {
			c := node.NamedChild(i)
			if c.Type() == "as_pattern" {
				if alias := c.ChildByFieldName("alias"); alias != nil {
					defineTargets(alias, src, defined)
				}
			}
		}
	case "except_clause":
		for i := 0; i < int(node.NamedChildCount()); i++ {
			c := node.NamedChild(i)
			if c.Type() == "as_pattern" {
				if alias := c.ChildByFieldName("alias"); alias != nil {
					defineTargets(alias, src, defined)
				}
			}
		}
	case "import_statement", "import_from_statement":
		markImportedNames(node, src, defined)
	case "call":
		if fn := node.ChildByFieldName("function"); fn != nil {
			switch fn.Type() {
			case "identifier":
				used[text(fn)] = true
			case "attribute":
				// json.dumps(...): the root object must exist.
				if obj := fn.ChildByFieldName("object"); obj != nil && obj.Type() == "identifier" {
					used[text(obj)] = true
				}
			}
		}
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		collectNames(node.NamedChild(i), src, defined, used)
	}
}

func defineTargets(node *sitter.Node, src []byte, defined map[string]bool) {
	if node.Type() == "identifier" {
		defined[string(src[node.StartByte():node.EndByte()])] = true
		return
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		defineTargets(node.NamedChild(i), src, defined)
	}
}

// markImportedNames records the binding each import introduces: the alias
// when present, otherwise the first dotted component.
func markImportedNames(node *sitter.Node, src []byte, defined map[string]bool) {
	text := func(n *sitter.Node) string {
		return string(src[n.StartByte():n.EndByte()])
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		c := node.NamedChild(i)
		switch c.Type() {
		case "dotted_name":
			name := text(c)
			if dot := strings.Index(name, "."); dot > 0 {
				name = name[:dot]
			}
			defined[name] = true
		case "aliased_import":
			if alias := c.ChildByFieldName("alias"); alias != nil {
				defined[text(alias)] = true
			}
		case "wildcard_import":
			// "from x import *": nothing trackable.
		}
	}
}

// =============================================================================
// IMPORT ORDER
// =============================================================================

var (
	importLineRe = regexp.MustCompile(`^(import\s+\S|from\s+\S+\s+import\s)`)
	pathSetupRe  = regexp.MustCompile(`^sys\.path\.insert\b`)
)

// shimImportLine reports whether the line imports the tool shim. The shim
// module only resolves after sys.path.insert runs, so its import is pinned
// below the path-setup line and never treated as out of order.
func shimImportLine(trimmed string) bool {
	return strings.HasPrefix(trimmed, "from forge_tools import") ||
		strings.HasPrefix(trimmed, "import forge_tools")
}

type importOrderValidator struct{}

func (*importOrderValidator) Name() string { return "import-order" }

// Check requires all top-level imports to precede the first non-import
// statement. The path-setup block and the shim import it enables count as
// part of the import prologue.
func (*importOrderValidator) Check(code string) error {
	seenStatement := false
	for i, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		indented := strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
		if indented {
			seenStatement = true
			continue
		}
		if pathSetupRe.MatchString(trimmed) && !seenStatement {
			continue
		}
		if importLineRe.MatchString(trimmed) {
			if shimImportLine(trimmed) {
				continue
			}
			if seenStatement {
				return fmt.Errorf("import on line %d after first statement", i+1)
			}
			continue
		}
		seenStatement = true
	}
	return nil
}

// Fix hoists stray top-level imports above the first statement. The shim
// import stays in place so it keeps following the path setup.
func (*importOrderValidator) Fix(code string, _ error) (string, bool) {
	lines := strings.Split(code, "\n")
	var imports, rest []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		indented := strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
		if importLineRe.MatchString(trimmed) && !indented && !shimImportLine(trimmed) {
			imports = append(imports, trimmed)
		} else {
			rest = append(rest, line)
		}
	}
	if len(imports) == 0 {
		return code, false
	}
	sort.Strings(imports)
	// Trim the leading blank lines the hoist leaves behind.
	for len(rest) > 0 && strings.TrimSpace(rest[0]) == "" {
		rest = rest[1:]
	}
	return strings.Join(imports, "\n") + "\n\n" + strings.Join(rest, "\n"), true
}
