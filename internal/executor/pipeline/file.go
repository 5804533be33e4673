package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileFormat is the on-disk shape of a pipeline override file:
//
//	pipelines:
//	  - language: python
//	    image: python:3.13-slim
//	    source_file: main.py
//	    command: python -u main.py < input.txt
//
// Fields left empty inherit the built-in recipe for that language.
type fileFormat struct {
	Pipelines []Spec `yaml:"pipelines"`
}

// LoadFile builds a registry from the defaults with the specs in path layered
// on top. An empty path returns the defaults.
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: reading %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse is LoadFile without the filesystem.
func Parse(raw []byte) (*Registry, error) {
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("pipeline: parsing overrides: %w", err)
	}

	base := make(map[Language]Spec)
	for _, s := range Defaults() {
		base[s.Language] = s
	}

	specs := Defaults()
	for _, override := range f.Pipelines {
		lang, ok := Normalize(string(override.Language))
		if !ok {
			return nil, fmt.Errorf("pipeline: unknown language %q in overrides", override.Language)
		}
		specs = append(specs, merge(base[lang], override, lang))
	}
	return New(specs...)
}

func merge(base, override Spec, lang Language) Spec {
	out := base
	out.Language = lang
	if override.Image != "" {
		out.Image = override.Image
	}
	if override.SourceFile != "" {
		out.SourceFile = override.SourceFile
	}
	if override.InputFile != "" {
		out.InputFile = override.InputFile
	}
	if override.Shell != "" {
		out.Shell = override.Shell
	}
	if override.Command != "" {
		out.Command = override.Command
	}
	return out
}
