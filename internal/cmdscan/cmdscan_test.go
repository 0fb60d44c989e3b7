package cmdscan

import (
	"regexp"
	"slices"
	"testing"
)

func TestExtractExecutables(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    []string
	}{
		{"empty", "", []string{}},
		{"simple", "ls -la /tmp", []string{"ls"}},
		{"subcommand", "git push origin main", []string{"git push"}},
		{"chained", "echo hello && npm run build", []string{"echo", "npm run"}},
		{"prefixed", "sudo docker ps -a", []string{"docker ps"}},
		{"stacked prefixes", "sudo env FOO=1 nice time docker compose up", []string{"docker compose"}},
		{"heredoc marker in string", "git commit -m 'fix: handles <<EOF markers'", []string{"git commit"}},
		{"heredoc body hidden", "cat <<'EOF'\nsome text with rm -rf /\nEOF\necho done", []string{"echo"}},
		{"unterminated heredoc", "cat <<EOF\nrm -rf /\nstill body", []string{"cat"}},
		{"heredoc opener line dropped", "make build <<EOF\nbody\nEOF\nls", []string{"ls"}},
		{"fd duplication", "cmd 2>&1 | tee /tmp/out.log", []string{"cmd", "tee"}},
		{"numbered redirect", "npm test 2>/dev/null", []string{"npm test"}},
		{"bare redirect target ignored", "echo hi > /tmp/x", []string{"echo"}},
		{"for loop", "for f in *.txt; do cat \"$f\"; done", []string{"cat"}},
		{"builtins skipped", "true && false || ls", []string{"ls"}},
		{"env assignments", "FOO=bar BAZ=qux make build", []string{"make"}},
		{"path stripped", "/usr/local/bin/node server.js", []string{"node"}},
		{"command dash v", "command -v git", []string{"git"}},
		{"nohup background", "nohup long-task &", []string{"long-task"}},
		{"kubectl", "kubectl get pods -n kube-system", []string{"kubectl get"}},
		{"subcommand after flag", "yarn --frozen-lockfile install", []string{"yarn install"}},
		{"subcommand halted by path", "git -C /repo status", []string{"git"}},
		{"dedupe", "pnpm i; pnpm i; ls", []string{"pnpm i", "ls"}},
		{"quoted command hidden", "echo \"rm -rf /\" && ls", []string{"echo", "ls"}},
		{"command substitution hidden", "result=`git status`; echo done", []string{"echo"}},
		{"dotted name rejected", "./build.sh && ls", []string{"ls"}},
		{"subshell unrecognized", "(cd /tmp && ls)", []string{}},
		{"pipeline", "cat access.log | grep error | wc -l", []string{"cat", "grep", "wc"}},
		{"multiline", "cd /tmp\nls -la\npwd", []string{"cd", "ls", "pwd"}},
		{"herestring degrades", "grep foo <<<\"bar\"", []string{"grep"}},
		{"marker residue", "EOF", []string{}},
		{"only separators", "; | && \n", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractExecutables(tt.command)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ExtractExecutables(%q) = %v, want %v", tt.command, got, tt.want)
			}
		})
	}
}

// Joining two commands with ";" yields the first-seen union of extracting
// each on its own, as long as neither leaves an unterminated construct open.
func TestExtractExecutablesConcatenation(t *testing.T) {
	pairs := [][2]string{
		{"ls -la", "git status"},
		{"echo hello && npm run build", "sudo docker ps"},
		{"cat a.txt | grep foo", "ls -la; git status"},
		{"make build", "make build"},
	}

	for _, pair := range pairs {
		joined := ExtractExecutables(pair[0] + "; " + pair[1])

		want := make([]string, 0)
		seen := make(map[string]bool)
		for _, id := range append(ExtractExecutables(pair[0]), ExtractExecutables(pair[1])...) {
			if seen[id] {
				continue
			}
			seen[id] = true
			want = append(want, id)
		}

		if !slices.Equal(joined, want) {
			t.Errorf("ExtractExecutables(%q; %q) = %v, want %v", pair[0], pair[1], joined, want)
		}
	}
}

// Every result entry is a plain word or "word word", with no duplicates,
// regardless of how malformed the input is.
func TestExtractExecutablesShape(t *testing.T) {
	identity := regexp.MustCompile(`^[A-Za-z0-9_-]+( [A-Za-z0-9_-]+)?$`)
	inputs := []string{
		"",
		"ls -la /tmp",
		"git commit -m 'fix: handles <<EOF markers'",
		"cat <<'EOF'\nsome text with rm -rf /\nEOF\necho done",
		"cmd 2>&1 | tee /tmp/out.log",
		"for f in *.txt; do cat \"$f\"; done",
		"<<",
		"<<'",
		"a<<b",
		">>><<<",
		"'''",
		"`\"'",
		"echo \"unbalanced",
		"git commit; git commit; git push",
		"🚀 deploy && ls",
		";;;&&&|||",
	}

	for _, input := range inputs {
		seen := make(map[string]bool)
		for _, id := range ExtractExecutables(input) {
			if !identity.MatchString(id) {
				t.Errorf("ExtractExecutables(%q) produced invalid identity %q", input, id)
			}
			if seen[id] {
				t.Errorf("ExtractExecutables(%q) produced duplicate %q", input, id)
			}
			seen[id] = true
		}
	}
}

func TestStripHeredocs(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"ls -la", "ls -la"},
		{"cat <<'EOF'\nbody\nEOF\necho done", "echo done"},
		{"cat <<EOF\nx\nEOF", ""},
		{"git commit -m 'fix: handles <<EOF markers'", "git commit -m 'fix: handles "},
		{"echo a\ncat <<X2\nbody\nX2\necho b", "echo a\necho b"},
		{"cat <<END\nbody\nEND  \nls", "ls"},
		{"cat <<END\nbody\n END\nls", "cat "},
		{"cat <<EOF\nrm -rf /", "cat "},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := stripHeredocs(tt.input)
			if got != tt.want {
				t.Errorf("stripHeredocs(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestBlankStringLiterals(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`echo "hello world"`, `echo ""`},
		{`echo 'a b'`, `echo ''`},
		{"echo `date`", "echo ``"},
		{`echo "it's fine"`, `echo ""`},
		{`echo 'unterminated`, `echo 'unterminated`},
		{`a "b" 'c'`, `a "" ''`},
		{"plain", "plain"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := blankStringLiterals(tt.input)
			if got != tt.want {
				t.Errorf("blankStringLiterals(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestStripRedirections(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"cmd 2>&1", "cmd "},
		{"cmd >&2", "cmd "},
		{"cmd 2>/dev/null", "cmd "},
		{"cmd 2>>err.log", "cmd "},
		// Unnumbered and space-separated forms are left for the segment scan.
		{"cmd > out.txt", "cmd > out.txt"},
		{"cmd 1> x", "cmd 1> x"},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := stripRedirections(tt.input)
			if got != tt.want {
				t.Errorf("stripRedirections(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSplitSegments(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"a; b", []string{"a", " b"}},
		{"a | b", []string{"a ", " b"}},
		{"a && b", []string{"a ", " b"}},
		{"a\nb", []string{"a", "b"}},
		{"a;;b", []string{"a", "b"}},
		{"", []string{}},
		{";;;", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := splitSegments(tt.input)
			if !slices.Equal(got, tt.want) {
				t.Errorf("splitSegments(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestScanSegment(t *testing.T) {
	tests := []struct {
		segment string
		want    string
		ok      bool
	}{
		{"ls -la", "ls", true},
		{"   ", "", false},
		{"EOF", "", false},
		{"sudo docker ps -a", "docker ps", true},
		{"for f in *.txt", "", false},
		{`do cat ""`, "cat", true},
		{"FOO=1 make", "make", true},
		{"/usr/bin/env python3", "env", true},
		{"git -C /repo status", "git", true},
		{"npm run build", "npm run", true},
		{"-v", "", false},
		{">>", "", false},
		{"./run.sh", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.segment, func(t *testing.T) {
			got, ok := scanSegment(tt.segment)
			if got != tt.want || ok != tt.ok {
				t.Errorf("scanSegment(%q) = %q, %v, want %q, %v", tt.segment, got, ok, tt.want, tt.ok)
			}
		})
	}
}
