package codeplan

import (
	"strings"
	"unicode"

	"github.com/autoforge/forge/protocol"
)

// branchTokens are the decision points counted toward cyclomatic
// complexity. Keyword forms cover the mainstream curly and Python
// families; operator forms are substring-counted.
var branchTokens = map[string]struct{}{
	"if": {}, "elif": {}, "else": {}, "for": {}, "while": {},
	"case": {}, "when": {}, "catch": {}, "except": {},
}

// gradeComplexity labels a snippet by an approximate cyclomatic
// complexity: one plus the number of decision points found in it.
//
//	c <= 5  -> trivial
//	c <= 10 -> moderate
//	else    -> complex
//
// An empty snippet grades moderate, matching the no-context fallback.
func gradeComplexity(snippet string) protocol.Complexity {
	if strings.TrimSpace(snippet) == "" {
		return protocol.ComplexityModerate
	}

	var c = 1
	for _, word := range splitWords(snippet) {
		if _, ok := branchTokens[word]; ok {
			c++
		}
	}
	c += strings.Count(snippet, "&&")
	c += strings.Count(snippet, "||")
	c += strings.Count(snippet, " and ")
	c += strings.Count(snippet, " or ")

	switch {
	case c <= 5:
		return protocol.ComplexityTrivial
	case c <= 10:
		return protocol.ComplexityModerate
	default:
		return protocol.ComplexityComplex
	}
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}
