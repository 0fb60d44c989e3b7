package scriptcheck

import (
	"errors"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Issue describes a shell syntax problem with its source position.
// Line and Col are 1-based; 0 means the position is unknown.
type Issue struct {
	Line    uint   `json:"line"`
	Col     uint   `json:"col"`
	Message string `json:"message"`
}

// Check parses src as POSIX shell and returns nil when it is syntactically
// valid. Setup and run scripts execute via `sh -c`, so POSIX is the dialect
// that matters. name labels the script in error output ("setup_script").
//
// This is validation only: scripts are never interpreted here, and the
// executable extractor keeps its own heuristic scan independent of this
// parser.
func Check(name, src string) *Issue {
	if strings.TrimSpace(src) == "" {
		return nil
	}

	parser := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	_, err := parser.Parse(strings.NewReader(src), name)
	if err == nil {
		return nil
	}

	issue := &Issue{Message: err.Error()}
	var parseErr syntax.ParseError
	var langErr syntax.LangError
	switch {
	case errors.As(err, &parseErr):
		issue.Line = parseErr.Pos.Line()
		issue.Col = parseErr.Pos.Col()
		issue.Message = parseErr.Text
	case errors.As(err, &langErr):
		issue.Line = langErr.Pos.Line()
		issue.Col = langErr.Pos.Col()
	}
	return issue
}
