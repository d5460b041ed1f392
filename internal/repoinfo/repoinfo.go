// Package repoinfo inspects a working directory for facts an agent should
// know before it starts: language, module, build entry points, and the
// instruction files the project keeps for contributors.
package repoinfo

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Info describes a repository.
type Info struct {
	Language   string
	ModulePath string
	GoVersion  string
	Makefile   bool
	HasTests   bool
	// Guides are contributor instruction files found at the root, in
	// priority order.
	Guides []string
}

// guideFiles are checked in this order.
var guideFiles = []string{"AGENTS.md", "CLAUDE.md", "CONTRIBUTING.md", "README.md"}

// markers maps a root file to the language it signals, first match wins.
var markers = []struct {
	file     string
	language string
}{
	{"go.mod", "go"},
	{"package.json", "javascript"},
	{"Cargo.toml", "rust"},
	{"pyproject.toml", "python"},
	{"requirements.txt", "python"},
	{"pom.xml", "java"},
	{"Gemfile", "ruby"},
}

// testWalkLimit bounds how many entries the test search visits.
const testWalkLimit = 5000

// Inspect gathers Info for path. Missing files are not errors.
func Inspect(path string) Info {
	info := Info{Language: DetectLanguage(path)}
	if info.Language == "go" {
		info.ModulePath, _ = goModField(path, "module ")
		info.GoVersion, _ = goModField(path, "go ")
	}
	info.Makefile = fileExists(filepath.Join(path, "Makefile"))
	for _, g := range guideFiles {
		if fileExists(filepath.Join(path, g)) {
			info.Guides = append(info.Guides, g)
		}
	}
	info.HasTests = hasTests(path, info.Language)
	return info
}

// DetectLanguage returns the primary language of the project at path, or "".
func DetectLanguage(path string) string {
	for _, m := range markers {
		if fileExists(filepath.Join(path, m.file)) {
			return m.language
		}
	}
	return ""
}

// TestCommand is the conventional command that runs the project's tests.
func (i Info) TestCommand() string {
	switch {
	case i.Language == "go":
		return "go test ./..."
	case i.Makefile:
		return "make test"
	case i.Language == "javascript":
		return "npm test"
	case i.Language == "rust":
		return "cargo test"
	case i.Language == "python":
		return "pytest"
	}
	return ""
}

// Facts renders Info as short bullet-ready lines.
func (i Info) Facts() []string {
	var facts []string
	switch {
	case i.ModulePath != "" && i.GoVersion != "":
		facts = append(facts, fmt.Sprintf("Go module `%s` (go %s)", i.ModulePath, i.GoVersion))
	case i.ModulePath != "":
		facts = append(facts, fmt.Sprintf("Go module `%s`", i.ModulePath))
	case i.Language != "":
		facts = append(facts, "Primary language: "+i.Language)
	}
	if cmd := i.TestCommand(); cmd != "" {
		if i.HasTests {
			facts = append(facts, fmt.Sprintf("Run tests with `%s`", cmd))
		} else {
			facts = append(facts, fmt.Sprintf("No tests found yet; `%s` is the test command", cmd))
		}
	}
	if i.Makefile {
		facts = append(facts, "A Makefile defines the build targets")
	}
	if len(i.Guides) > 0 {
		facts = append(facts, "Read "+strings.Join(i.Guides, ", ")+" for project conventions")
	}
	return facts
}

// goModField reads go.mod under dir and returns the value for a given prefix line.
func goModField(dir, prefix string) (string, error) {
	f, err := os.Open(filepath.Join(dir, "go.mod"))
	if err != nil {
		return "", fmt.Errorf("open go.mod: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := strings.CutPrefix(line, prefix); ok {
			return strings.TrimSpace(v), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read go.mod: %w", err)
	}
	return "", fmt.Errorf("field %q not found in go.mod", strings.TrimSpace(prefix))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// testSuffixes are file name endings that mark test files per language.
var testSuffixes = map[string][]string{
	"go":         {"_test.go"},
	"javascript": {".test.js", ".test.ts", ".spec.js", ".spec.ts"},
	"rust":       {"_test.rs"},
	"python":     {"_test.py"},
}

var skipDirs = map[string]bool{".git": true, "node_modules": true, "vendor": true, "target": true}

func hasTests(root, language string) bool {
	suffixes := testSuffixes[language]
	found := false
	visited := 0
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		visited++
		if visited > testWalkLimit {
			return filepath.SkipAll
		}
		name := d.Name()
		if d.IsDir() {
			if skipDirs[name] {
				return filepath.SkipDir
			}
			if name == "tests" || name == "test" {
				found = true
				return filepath.SkipAll
			}
			return nil
		}
		if language == "python" && strings.HasPrefix(name, "test_") && strings.HasSuffix(name, ".py") {
			found = true
			return filepath.SkipAll
		}
		for _, s := range suffixes {
			if strings.HasSuffix(name, s) {
				found = true
				return filepath.SkipAll
			}
		}
		return nil
	})
	return found
}
