package sandbox

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Language describes how to build and run one kind of source file. Build
// and Run execute inside the workspace directory; Build may be empty for
// languages without a separate compile step.
type Language struct {
	Name   string   `yaml:"name"`
	Image  string   `yaml:"image"`
	Source string   `yaml:"source"`
	Build  []string `yaml:"build"`
	Run    []string `yaml:"run"`
	Env    []string `yaml:"env"`
}

// Languages indexes language definitions by name.
type Languages map[string]Language

// DefaultLanguages returns the built-in language table.
func DefaultLanguages() Languages {
	return Languages{
		"cpp": {
			Name:   "cpp",
			Image:  "gcc:13",
			Source: "main.cpp",
			Build:  []string{"g++", "-O2", "-std=c++17", "-o", "program", "main.cpp"},
			Run:    []string{"./program"},
		},
		"c": {
			Name:   "c",
			Image:  "gcc:13",
			Source: "main.c",
			Build:  []string{"gcc", "-O2", "-o", "program", "main.c", "-lm"},
			Run:    []string{"./program"},
		},
		"python": {
			Name:   "python",
			Image:  "python:3.12-slim",
			Source: "main.py",
			Build:  []string{"python3", "-m", "py_compile", "main.py"},
			Run:    []string{"python3", "-u", "main.py"},
			Env:    []string{"PYTHONDONTWRITEBYTECODE=1"},
		},
		"go": {
			Name:   "go",
			Image:  "golang:1.23-alpine",
			Source: "main.go",
			Build:  []string{"go", "build", "-o", "program", "main.go"},
			Run:    []string{"./program"},
			Env:    []string{"GOCACHE=/tmp/gocache", "CGO_ENABLED=0"},
		},
		"sh": {
			Name:   "sh",
			Image:  "alpine:3.20",
			Source: "main.sh",
			Build:  []string{"sh", "-n", "main.sh"},
			Run:    []string{"sh", "main.sh"},
		},
	}
}

// Lookup returns the named language.
func (l Languages) Lookup(name string) (Language, error) {
	lang, ok := l[name]
	if !ok {
		return Language{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, name)
	}
	return lang, nil
}

// Names returns the language names in sorted order.
func (l Languages) Names() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type languageFile struct {
	Languages []Language `yaml:"languages"`
}

// LoadLanguages reads language definitions from a YAML file and layers them
// over the built-in table. An entry with an existing name replaces it.
func LoadLanguages(path string) (Languages, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading languages %s: %w", path, err)
	}

	var f languageFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing languages %s: %w", path, err)
	}

	langs := DefaultLanguages()
	for i, lang := range f.Languages {
		if lang.Name == "" {
			return nil, fmt.Errorf("languages %s: entry %d has no name", path, i)
		}
		if len(lang.Run) == 0 {
			return nil, fmt.Errorf("languages %s: %s has no run command", path, lang.Name)
		}
		if lang.Source == "" {
			return nil, fmt.Errorf("languages %s: %s has no source file name", path, lang.Name)
		}
		langs[lang.Name] = lang
	}
	return langs, nil
}
