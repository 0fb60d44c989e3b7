package cmdscan

import (
	"regexp"
	"strings"
)

// Words that wrap or modify another command rather than acting as the command.
var commandPrefixes = map[string]bool{
	"sudo":    true,
	"env":     true,
	"nohup":   true,
	"nice":    true,
	"time":    true,
	"command": true,
}

var noopBuiltins = map[string]bool{
	"true":  true,
	"false": true,
}

var controlKeywords = map[string]bool{
	"for":    true,
	"in":     true,
	"do":     true,
	"done":   true,
	"while":  true,
	"until":  true,
	"if":     true,
	"then":   true,
	"else":   true,
	"elif":   true,
	"fi":     true,
	"case":   true,
	"esac":   true,
	"select": true,
}

// Multi-purpose tools whose first subcommand is part of the permission identity.
var subcommandAware = map[string]bool{
	"git":     true,
	"npm":     true,
	"yarn":    true,
	"pnpm":    true,
	"docker":  true,
	"kubectl": true,
}

var (
	heredocStart     = regexp.MustCompile(`<<["']?([A-Za-z0-9_]+)`)
	fdDuplication    = regexp.MustCompile(`\d*>&\d+`)
	numberedRedirect = regexp.MustCompile(`\d+>>?\S+`)
	markerResidue    = regexp.MustCompile(`^[A-Z]+$`)
	punctuationOnly  = regexp.MustCompile(`^[<>|&;()]+$`)
	validExecutable  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ExtractExecutables identifies the executables a shell command line invokes,
// as identity strings like "ls" or "git commit". It is a heuristic, not a
// parser: quoted strings, heredoc bodies, and redirection targets are
// discarded before scanning so that text inside them is never mistaken for a
// command. The result is deduplicated and ordered by first appearance. Any
// input is accepted; malformed shell degrades to partial or empty extraction.
func ExtractExecutables(command string) []string {
	cleaned := stripHeredocs(command)
	cleaned = blankStringLiterals(cleaned)
	cleaned = stripRedirections(cleaned)

	executables := make([]string, 0)
	seen := make(map[string]bool)
	for _, segment := range splitSegments(cleaned) {
		identity, ok := scanSegment(segment)
		if !ok || seen[identity] {
			continue
		}
		seen[identity] = true
		executables = append(executables, identity)
	}
	return executables
}

// stripHeredocs removes heredoc constructs. A heredoc opens at "<<" followed
// by an optional quote and a marker word, and closes at the next line holding
// only that marker plus optional trailing whitespace. A terminated heredoc
// removes every line from the opener through the terminator; one with no
// terminator consumes the remainder of the input, keeping only the text
// before "<<" on the opening line.
func stripHeredocs(command string) string {
	if !strings.Contains(command, "<<") {
		return command
	}
	lines := strings.Split(command, "\n")
	kept := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		loc := heredocStart.FindStringSubmatchIndex(lines[i])
		if loc == nil {
			kept = append(kept, lines[i])
			continue
		}
		marker := lines[i][loc[2]:loc[3]]
		end := -1
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimRight(lines[j], " \t\r") == marker {
				end = j
				break
			}
		}
		if end == -1 {
			kept = append(kept, lines[i][:loc[0]])
			break
		}
		i = end
	}
	return strings.Join(kept, "\n")
}

// blankStringLiterals empties double-quoted, single-quoted, and backtick
// spans, keeping the quote pair itself. An unpaired quote is left untouched.
func blankStringLiterals(command string) string {
	var b strings.Builder
	b.Grow(len(command))
	for i := 0; i < len(command); i++ {
		c := command[i]
		if c != '"' && c != '\'' && c != '`' {
			b.WriteByte(c)
			continue
		}
		end := strings.IndexByte(command[i+1:], c)
		if end == -1 {
			b.WriteString(command[i:])
			break
		}
		b.WriteByte(c)
		b.WriteByte(c)
		i += end + 1
	}
	return b.String()
}

// stripRedirections removes descriptor duplications (2>&1, >&2) and numbered
// redirections with attached targets (2>/dev/null, 2>>err.log) so targets are
// never scanned as commands.
func stripRedirections(command string) string {
	command = fdDuplication.ReplaceAllString(command, "")
	return numberedRedirect.ReplaceAllString(command, "")
}

// splitSegments cuts the command on runs of statement separators. Each
// segment is one candidate invocation or pipeline stage.
func splitSegments(command string) []string {
	return strings.FieldsFunc(command, func(r rune) bool {
		switch r {
		case ';', '&', '|', '\n':
			return true
		}
		return false
	})
}

// scanSegment finds the one executable identity a segment invokes, if any.
// It walks whitespace-separated parts past assignments, flags, wrapper
// prefixes, no-op builtins, control keywords, and redirection remnants; the
// first part left standing is the candidate. The candidate's basename must be
// a plain word or the segment yields nothing.
func scanSegment(segment string) (string, bool) {
	trimmed := strings.TrimSpace(segment)
	if trimmed == "" || markerResidue.MatchString(trimmed) {
		return "", false
	}
	parts := strings.Fields(trimmed)
	for i := 0; i < len(parts); i++ {
		part := parts[i]
		switch {
		case strings.Contains(part, "=") && !strings.HasPrefix(part, "-"):
			continue
		case strings.HasPrefix(part, "-"):
			continue
		case commandPrefixes[part]:
			continue
		case noopBuiltins[part]:
			continue
		case controlKeywords[part]:
			// for/case/select bind the next word (loop variable or
			// match subject), which is never a command.
			if part == "for" || part == "case" || part == "select" {
				i++
			}
			continue
		case punctuationOnly.MatchString(part):
			continue
		case strings.HasPrefix(part, ">") || strings.HasPrefix(part, "<"):
			continue
		}
		name := part[strings.LastIndex(part, "/")+1:]
		if !validExecutable.MatchString(name) {
			return "", false
		}
		if subcommandAware[name] {
			if sub, ok := findSubcommand(parts[i+1:]); ok {
				return name + " " + sub, true
			}
		}
		return name, true
	}
	return "", false
}

// findSubcommand returns the first part after the executable that is neither
// a flag nor an assignment. Anything else ends the search: a part that is not
// a plain word means the subcommand position is already past.
func findSubcommand(parts []string) (string, bool) {
	for _, part := range parts {
		if strings.HasPrefix(part, "-") || strings.Contains(part, "=") {
			continue
		}
		if validExecutable.MatchString(part) {
			return part, true
		}
		return "", false
	}
	return "", false
}
