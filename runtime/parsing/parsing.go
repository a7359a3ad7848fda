// Package parsing extracts repl-fenced code blocks and FINAL/FINAL_VAR
// termination markers from free-form language-model output. Both scans are
// deterministic and fence-aware: a marker that appears inside a ```repl
// block is never mistaken for a termination signal.
package parsing

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var fenceRE = regexp.MustCompile("(?s)```repl\\s*\\n(.*?)```")

// FindCodeBlocks returns the code of every ```repl fenced block in
// response, in textual order.
func FindCodeBlocks(response string) []string {
	matches := fenceRE.FindAllStringSubmatch(response, -1)
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, strings.TrimRight(m[1], "\n"))
	}
	return blocks
}

// maskFences replaces the contents of every ```repl fenced block with
// spaces of the same byte length (preserving offsets and line structure)
// so a later marker scan never matches text that lives inside a fence.
func maskFences(response string) string {
	return fenceRE.ReplaceAllStringFunc(response, func(block string) string {
		var b strings.Builder
		for _, r := range block {
			if r == '\n' {
				b.WriteRune('\n')
			} else {
				b.WriteRune(' ')
			}
		}
		return b.String()
	})
}

// FinalMarkerKind distinguishes a literal FINAL(...) from a FINAL_VAR(...)
// reference.
type FinalMarkerKind int

const (
	// FinalLiteral is a FINAL(<text>) marker; Arg is the literal text.
	FinalLiteral FinalMarkerKind = iota
	// FinalVarRef is a FINAL_VAR(<name>) marker; Arg is the variable name.
	FinalVarRef
)

// FinalMarker is the first termination marker found outside any repl fence.
type FinalMarker struct {
	Kind FinalMarkerKind
	Arg  string
}

var markerStartRE = regexp.MustCompile(`FINAL(_VAR)?\(`)

// FindFinalMarker scans response (with fenced blocks masked out) for the
// first FINAL(...) or FINAL_VAR(...) marker, matching its closing
// parenthesis by depth so nested parens in the argument don't truncate it.
// It reports ok=false when no marker is present outside a fence.
func FindFinalMarker(response string) (marker FinalMarker, ok bool) {
	masked := maskFences(response)
	loc := markerStartRE.FindStringSubmatchIndex(masked)
	if loc == nil {
		return FinalMarker{}, false
	}
	isVar := loc[2] != -1
	openParen := loc[1] - 1 // index of the '(' that ended the match

	depth := 0
	argStart := openParen + 1
	argEnd := -1
	for i := openParen; i < len(masked); i++ {
		switch masked[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				argEnd = i
			}
		}
		if argEnd != -1 {
			break
		}
	}
	if argEnd == -1 {
		return FinalMarker{}, false // unbalanced parens; not a complete marker
	}

	arg := strings.TrimSpace(masked[argStart:argEnd])
	if isVar {
		return FinalMarker{Kind: FinalVarRef, Arg: strings.Trim(arg, `"'`)}, true
	}
	return FinalMarker{Kind: FinalLiteral, Arg: arg}, true
}

// ResolveFinalVar looks up name via resolve (typically Environment.FinalVar)
// and formats the not-bound case as the diagnostic string the driver feeds
// back to the model, listing the available bindings rather than erroring.
func ResolveFinalVar(name string, resolve func(string) (string, bool), available map[string]any) string {
	if value, ok := resolve(name); ok {
		return value
	}
	names := make([]string, 0, len(available))
	for k := range available {
		names = append(names, k)
	}
	sort.Strings(names)
	return fmt.Sprintf("FINAL_VAR(%s): not bound. Available bindings: %s", name, strings.Join(names, ", "))
}
