package recipes

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/getskiff/skiff/internal/cmdscan"
)

var shellSafeArg = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

var (
	justfileNames = []string{"justfile", "Justfile", ".justfile"}
	makefileNames = []string{"Makefile", "makefile", "GNUmakefile"}
	taskfileNames = []string{"Taskfile.yml", "Taskfile.yaml", "taskfile.yml", "taskfile.yaml"}
)

// Recipe is a runnable command discovered from a known recipe source.
// Executables lists the command identities the recipe invokes, so the
// renderer can show what a recipe will run before the user launches it
// in a terminal.
type Recipe struct {
	Name        string   `json:"name"`
	Command     string   `json:"command"`
	Source      string   `json:"source"`
	Description string   `json:"description,omitempty"`
	Executables []string `json:"executables"`
}

// List discovers recipes in a project or session worktree from common
// sources: justfile, Makefile, package.json scripts, and Taskfile.
func List(dir string) ([]Recipe, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("stat recipe dir: %w", err)
	}

	var all []Recipe
	for _, discover := range []func(string) ([]Recipe, error){
		justfileRecipes,
		makefileRecipes,
		packageJSONRecipes,
		taskfileRecipes,
	} {
		if recipes, err := discover(dir); err == nil {
			all = append(all, recipes...)
		}
	}

	out := dedupe(all)
	for i := range out {
		out[i].Executables = cmdscan.ExtractExecutables(out[i].Command)
	}
	return out, nil
}

func justfileRecipes(dir string) ([]Recipe, error) {
	path, ok := firstExistingFile(dir, justfileNames)
	if !ok {
		return nil, nil
	}

	var entries []entry
	if _, err := exec.LookPath("just"); err == nil {
		cmd := exec.Command("just", "--list", "--unsorted")
		cmd.Dir = dir
		if output, err := cmd.Output(); err == nil {
			entries = parseJustList(output)
		}
	}
	if len(entries) == 0 {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read justfile: %w", err)
		}
		entries = parseJustfileStatic(content)
	}

	return toRecipes(entries, "justfile", "just"), nil
}

func makefileRecipes(dir string) ([]Recipe, error) {
	path, ok := firstExistingFile(dir, makefileNames)
	if !ok {
		return nil, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read makefile: %w", err)
	}
	return toRecipes(parseMakefile(content), "makefile", "make"), nil
}

func packageJSONRecipes(dir string) ([]Recipe, error) {
	content, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read package.json: %w", err)
	}

	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(content, &pkg); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	if len(pkg.Scripts) == 0 {
		return nil, nil
	}

	entries := make([]entry, 0, len(pkg.Scripts))
	for name, script := range pkg.Scripts {
		entries = append(entries, entry{Name: name, Description: script})
	}
	return toRecipes(entries, "package.json", detectNodeScriptRunner(dir)), nil
}

func taskfileRecipes(dir string) ([]Recipe, error) {
	path, ok := firstExistingFile(dir, taskfileNames)
	if !ok {
		return nil, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taskfile: %w", err)
	}

	var root struct {
		Tasks map[string]any `yaml:"tasks"`
	}
	if err := yaml.Unmarshal(content, &root); err != nil {
		return nil, fmt.Errorf("parse taskfile: %w", err)
	}
	if len(root.Tasks) == 0 {
		return nil, nil
	}

	entries := make([]entry, 0, len(root.Tasks))
	for name, raw := range root.Tasks {
		entries = append(entries, entry{Name: name, Description: taskDescription(raw)})
	}
	return toRecipes(entries, "taskfile", "task"), nil
}

// entry is a recipe name/description pair before it is bound to a runner.
type entry struct {
	Name        string
	Description string
}

// toRecipes binds parsed entries to their runner command, sorted by name.
func toRecipes(entries []entry, source, runner string) []Recipe {
	recipes := make([]Recipe, 0, len(entries))
	for _, e := range entries {
		recipes = append(recipes, Recipe{
			Name:        e.Name,
			Command:     runner + " " + shellQuote(e.Name),
			Source:      source,
			Description: e.Description,
		})
	}
	sort.Slice(recipes, func(i, j int) bool { return recipes[i].Name < recipes[j].Name })
	return recipes
}

func parseJustList(output []byte) []entry {
	var entries []entry
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "Available recipes:") {
			continue
		}

		code, description := splitLineComment(line)
		parts := strings.Fields(code)
		if len(parts) == 0 {
			continue
		}
		entries = append(entries, entry{Name: parts[0], Description: description})
	}
	return entries
}

// parseJustfileStatic extracts recipe names without invoking just. Only
// top-level "name:" lines count; indented lines are recipe bodies.
func parseJustfileStatic(content []byte) []entry {
	var entries []entry
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		raw := scanner.Text()
		if strings.HasPrefix(raw, " ") || strings.HasPrefix(raw, "\t") {
			continue
		}

		code, description := splitLineComment(strings.TrimSpace(raw))
		if code == "" || strings.HasPrefix(code, "[") {
			continue
		}

		colon := strings.Index(code, ":")
		if colon <= 0 {
			continue
		}
		if colon+1 < len(code) && code[colon+1] == '=' {
			continue // := assignment or setting, not a recipe
		}

		parts := strings.Fields(strings.TrimSpace(code[:colon]))
		if len(parts) == 0 {
			continue
		}
		name := parts[0]
		if strings.Contains(name, "=") {
			continue
		}
		entries = append(entries, entry{Name: name, Description: description})
	}
	return entries
}

func parseMakefile(content []byte) []entry {
	var entries []entry
	scanner := bufio.NewScanner(bytes.NewReader(content))

	for scanner.Scan() {
		raw := scanner.Text()
		if strings.HasPrefix(raw, " ") || strings.HasPrefix(raw, "\t") {
			continue
		}

		code, description := splitLineComment(strings.TrimSpace(raw))
		if code == "" {
			continue
		}

		colon := strings.Index(code, ":")
		if colon <= 0 {
			continue
		}
		if colon+1 < len(code) && code[colon+1] == '=' {
			continue // := assignment, not a rule
		}

		targetExpr := strings.TrimSpace(code[:colon])
		if targetExpr == "" || strings.Contains(targetExpr, "=") {
			continue
		}

		for _, target := range strings.Fields(targetExpr) {
			if strings.HasPrefix(target, ".") {
				continue // .PHONY and friends
			}
			if strings.ContainsAny(target, "%$") {
				continue // pattern rules and computed targets
			}
			entries = append(entries, entry{Name: target, Description: description})
		}
	}

	return entries
}

// splitLineComment splits "build: deps ## Build it" into the code part and
// the trailing comment, with leading # runs stripped from the comment.
func splitLineComment(line string) (code, description string) {
	idx := strings.Index(line, "#")
	if idx < 0 {
		return line, ""
	}
	code = strings.TrimSpace(line[:idx])
	description = strings.TrimSpace(strings.TrimLeft(line[idx:], "#"))
	return code, description
}

func detectNodeScriptRunner(dir string) string {
	switch {
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return "pnpm run"
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return "yarn run"
	case fileExists(filepath.Join(dir, "bun.lockb")), fileExists(filepath.Join(dir, "bun.lock")):
		return "bun run"
	default:
		return "npm run"
	}
}

func taskDescription(raw any) string {
	switch v := raw.(type) {
	case map[string]any:
		if desc, ok := v["desc"].(string); ok {
			return desc
		}
		if summary, ok := v["summary"].(string); ok {
			return summary
		}
	case string:
		return v
	}
	return ""
}

func firstExistingFile(dir string, names []string) (string, bool) {
	for _, name := range names {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			return path, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func dedupe(recipes []Recipe) []Recipe {
	seen := make(map[string]struct{}, len(recipes))
	out := make([]Recipe, 0, len(recipes))
	for _, recipe := range recipes {
		key := recipe.Source + "\x00" + recipe.Name
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, recipe)
	}
	return out
}

func shellQuote(arg string) string {
	if arg == "" {
		return "''"
	}
	if shellSafeArg.MatchString(arg) {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'"'"'`) + "'"
}
