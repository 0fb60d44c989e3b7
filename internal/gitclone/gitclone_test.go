package gitclone

import (
	"os/exec"
	"path/filepath"
	"testing"
)

func TestIsGitHubURL(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"https://github.com/user/repo", true},
		{"https://github.com/user/repo.git", true},
		{"http://github.com/user/repo", true},
		{"git@github.com:user/repo.git", true},
		{"/home/user/projects/myrepo", false},
		{"https://gitlab.com/user/repo", false},
		{"", false},
		{"github.com/user/repo", false},
		{"  https://github.com/user/repo  ", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := IsGitHubURL(tt.input)
			if got != tt.want {
				t.Errorf("IsGitHubURL(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseRepoName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://github.com/user/repo", "repo"},
		{"https://github.com/user/repo.git", "repo"},
		{"https://github.com/user/my-project.git", "my-project"},
		{"https://github.com/org/repo/", "repo"},
		{"git@github.com:user/repo.git", "repo"},
		{"https://github.com/user/repo.git/", "repo"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseRepoName(tt.input)
			if got != tt.want {
				t.Errorf("ParseRepoName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeGitHubURL(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://github.com/user/repo", "https://github.com/user/repo.git"},
		{"https://github.com/user/repo.git", "https://github.com/user/repo.git"},
		{"https://github.com/user/repo/", "https://github.com/user/repo.git"},
		{"  https://github.com/user/repo  ", "https://github.com/user/repo.git"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := NormalizeGitHubURL(tt.input)
			if got != tt.want {
				t.Errorf("NormalizeGitHubURL(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDetectDefaultBranch(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	run("init", "-b", "master")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	run("commit", "--allow-empty", "-m", "initial")

	// No origin remote, so detection falls back to local branch probing.
	if got := detectDefaultBranch(dir); got != "master" {
		t.Errorf("detectDefaultBranch = %q, want %q", got, "master")
	}

	if got := detectDefaultBranch(filepath.Join(dir, "does-not-exist")); got != "main" {
		t.Errorf("detectDefaultBranch on missing repo = %q, want fallback %q", got, "main")
	}
}
