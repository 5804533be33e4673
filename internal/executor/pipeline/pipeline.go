// Package pipeline holds the build/run recipe for every supported language.
//
// A Spec fixes three things: the container image, the filename the source is
// written as (so the command can name it literally), and the shell command run
// inside the container. Adding a language means adding a Spec, nothing else.
package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sakif/coderunner/internal/apperror"
)

// Language is the canonical identifier of a supported language.
type Language string

const (
	Java   Language = "java"
	Python Language = "python"
	Cpp    Language = "cpp"
)

// DefaultInputFile is where stdin is materialized; commands redirect from it.
const DefaultInputFile = "input.txt"

// DefaultShell runs the command inside the container.
const DefaultShell = "sh"

// Spec is the build/run recipe for one language.
type Spec struct {
	Language   Language `yaml:"language"`
	Image      string   `yaml:"image"`
	SourceFile string   `yaml:"source_file"`
	InputFile  string   `yaml:"input_file"`
	Shell      string   `yaml:"shell"`
	Command    string   `yaml:"command"`
}

// aliases maps accepted spellings onto canonical languages.
var aliases = map[string]Language{
	"java":    Java,
	"python":  Python,
	"python3": Python,
	"py":      Python,
	"cpp":     Cpp,
	"c++":     Cpp,
	"cxx":     Cpp,
}

// Normalize maps a user-supplied language id onto its canonical form.
func Normalize(id string) (Language, bool) {
	lang, ok := aliases[strings.ToLower(strings.TrimSpace(id))]
	return lang, ok
}

// Defaults returns the built-in recipes.
func Defaults() []Spec {
	return []Spec{
		{
			Language:   Java,
			Image:      "eclipse-temurin:17-jdk",
			SourceFile: "Main.java",
			Command:    "javac Main.java && java Main < input.txt",
		},
		{
			Language:   Python,
			Image:      "python:3.12-slim",
			SourceFile: "main.py",
			Command:    "python main.py < input.txt",
		},
		{
			Language:   Cpp,
			Image:      "gcc:13",
			SourceFile: "main.cpp",
			Command:    "g++ -O2 -o main main.cpp && ./main < input.txt",
		},
	}
}

// Registry is a read-only table of recipes. It is never mutated after New
// returns, so concurrent lookups need no locking.
type Registry struct {
	specs map[Language]Spec
}

// Default returns a registry with the built-in recipes.
func Default() *Registry {
	r, err := New(Defaults()...)
	if err != nil {
		// Defaults are static and covered by tests.
		panic(err)
	}
	return r
}

// New builds a registry. Later specs for the same language replace earlier ones.
func New(specs ...Spec) (*Registry, error) {
	r := &Registry{specs: make(map[Language]Spec, len(specs))}
	for _, s := range specs {
		s = s.withDefaults()
		if err := s.Validate(); err != nil {
			return nil, err
		}
		r.specs[s.Language] = s
	}
	return r, nil
}

// Lookup resolves a language id. Unknown ids return an error wrapping
// executor.ErrUnsupportedLanguage.
func (r *Registry) Lookup(id string) (Spec, error) {
	lang, ok := Normalize(id)
	if !ok {
		return Spec{}, apperror.UnsupportedLanguage(id)
	}
	s, ok := r.specs[lang]
	if !ok {
		return Spec{}, apperror.UnsupportedLanguage(id)
	}
	return s, nil
}

// Languages lists the registered languages in sorted order.
func (r *Registry) Languages() []Language {
	out := make([]Language, 0, len(r.specs))
	for lang := range r.specs {
		out = append(out, lang)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Images lists the distinct container images, sorted.
func (r *Registry) Images() []string {
	seen := make(map[string]struct{}, len(r.specs))
	out := make([]string, 0, len(r.specs))
	for _, s := range r.specs {
		if _, ok := seen[s.Image]; ok {
			continue
		}
		seen[s.Image] = struct{}{}
		out = append(out, s.Image)
	}
	sort.Strings(out)
	return out
}

func (s Spec) withDefaults() Spec {
	if lang, ok := Normalize(string(s.Language)); ok {
		s.Language = lang
	}
	if s.InputFile == "" {
		s.InputFile = DefaultInputFile
	}
	if s.Shell == "" {
		s.Shell = DefaultShell
	}
	return s
}

// Validate checks that a spec can be materialized and run.
func (s Spec) Validate() error {
	if _, ok := Normalize(string(s.Language)); !ok {
		return fmt.Errorf("pipeline: unknown language %q", s.Language)
	}
	if strings.TrimSpace(s.Image) == "" {
		return fmt.Errorf("pipeline: %s: image is required", s.Language)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("pipeline: %s: command is required", s.Language)
	}
	if strings.TrimSpace(s.Shell) == "" {
		return fmt.Errorf("pipeline: %s: shell is required", s.Language)
	}
	for _, name := range []string{s.SourceFile, s.InputFile} {
		if !isBareFilename(name) {
			return fmt.Errorf("pipeline: %s: %q is not a bare filename", s.Language, name)
		}
	}
	if s.SourceFile == s.InputFile {
		return fmt.Errorf("pipeline: %s: source and input file must differ", s.Language)
	}
	return nil
}

func isBareFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\:`)
}
