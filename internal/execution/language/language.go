// Package language defines the closed set of supported languages and their sandbox strategies.
package language

import (
	"path"
	"sort"
	"strings"
	"time"

	appErr "codegrade/pkg/errors"

	"github.com/google/shlex"
)

// ID identifies a supported language.
type ID string

const (
	Python     ID = "python"
	JavaScript ID = "javascript"
	Java       ID = "java"
	CPP        ID = "cpp"
)

const (
	InterpretedTimeout = 10 * time.Second
	CompiledTimeout    = 15 * time.Second
)

// order is the canonical listing order for health reports.
var order = []ID{Python, JavaScript, Java, CPP}

// Parse maps a caller-supplied language name onto the closed set.
func Parse(raw string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range order {
		if id == known {
			return id, nil
		}
	}
	if id == "" {
		return "", appErr.ValidationError("language", "required")
	}
	return "", appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", raw).
		WithDetail("supported", All())
}

// All returns every supported language.
func All() []ID {
	out := make([]ID, len(order))
	copy(out, order)
	return out
}

// Spec describes how one language is built and run inside the sandbox.
// Command templates accept {src}, {bin} and {dir} placeholders.
type Spec struct {
	ID         ID            `yaml:"id"`
	Image      string        `yaml:"image"`
	SourceFile string        `yaml:"sourceFile"`
	BinaryFile string        `yaml:"binaryFile"`
	CompileCmd string        `yaml:"compileCmd"`
	RunCmd     string        `yaml:"runCmd"`
	Env        []string      `yaml:"env"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Compiled reports whether the language has a compile phase.
func (s Spec) Compiled() bool {
	return strings.TrimSpace(s.CompileCmd) != ""
}

// CompileArgv expands the compile template relative to dir.
func (s Spec) CompileArgv(dir string) ([]string, error) {
	if !s.Compiled() {
		return nil, nil
	}
	return s.expand(s.CompileCmd, dir)
}

// RunArgv expands the run template relative to dir.
func (s Spec) RunArgv(dir string) ([]string, error) {
	return s.expand(s.RunCmd, dir)
}

func (s Spec) expand(tpl, dir string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessagef("command template for %s is empty", s.ID)
	}
	expanded := strings.NewReplacer(
		"{src}", path.Join(dir, s.SourceFile),
		"{bin}", path.Join(dir, s.BinaryFile),
		"{dir}", dir,
	).Replace(tpl)
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template for %s failed", s.ID)
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessagef("command for %s is empty after expansion", s.ID)
	}
	return fields, nil
}

// Defaults returns the built-in language table.
func Defaults() []Spec {
	return []Spec{
		{
			ID:         Python,
			Image:      "python:3.11-alpine",
			SourceFile: "main.py",
			RunCmd:     "python3 -u {src}",
			Env:        []string{"PYTHONDONTWRITEBYTECODE=1"},
			Timeout:    InterpretedTimeout,
		},
		{
			ID:         JavaScript,
			Image:      "node:18-alpine",
			SourceFile: "main.js",
			RunCmd:     "node {src}",
			Timeout:    InterpretedTimeout,
		},
		{
			ID:         Java,
			Image:      "openjdk:17-jdk-slim",
			SourceFile: "Main.java",
			CompileCmd: "javac -J-Xmx192m -d {dir} {src}",
			RunCmd:     "java -Xmx192m -cp {dir} Main",
			Timeout:    CompiledTimeout,
		},
		{
			ID:         CPP,
			Image:      "gcc:latest",
			SourceFile: "main.cpp",
			BinaryFile: "main",
			CompileCmd: "g++ -O2 -std=c++17 -o {bin} {src}",
			RunCmd:     "{bin}",
			Timeout:    CompiledTimeout,
		},
	}
}

// Registry resolves language ids into specs.
type Registry struct {
	specs map[ID]Spec
}

// NewRegistry merges overrides onto the defaults. Overrides may only target
// supported languages, and every resulting template must parse.
func NewRegistry(overrides []Spec) (*Registry, error) {
	specs := make(map[ID]Spec, len(order))
	for _, spec := range Defaults() {
		specs[spec.ID] = spec
	}
	for _, o := range overrides {
		id, err := Parse(string(o.ID))
		if err != nil {
			return nil, err
		}
		specs[id] = merge(specs[id], o)
	}
	for _, spec := range specs {
		if spec.Image == "" || spec.SourceFile == "" {
			return nil, appErr.New(appErr.InvalidParams).WithMessagef("language %s needs an image and a source file", spec.ID)
		}
		if _, err := spec.CompileArgv("/sandbox"); err != nil {
			return nil, err
		}
		if _, err := spec.RunArgv("/sandbox"); err != nil {
			return nil, err
		}
	}
	return &Registry{specs: specs}, nil
}

func merge(base, o Spec) Spec {
	if o.Image != "" {
		base.Image = o.Image
	}
	if o.SourceFile != "" {
		base.SourceFile = o.SourceFile
	}
	if o.BinaryFile != "" {
		base.BinaryFile = o.BinaryFile
	}
	if o.CompileCmd != "" {
		base.CompileCmd = o.CompileCmd
	}
	if o.RunCmd != "" {
		base.RunCmd = o.RunCmd
	}
	if len(o.Env) > 0 {
		base.Env = o.Env
	}
	if o.Timeout > 0 {
		base.Timeout = o.Timeout
	}
	return base
}

// Resolve parses raw and returns its spec.
func (r *Registry) Resolve(raw string) (Spec, error) {
	id, err := Parse(raw)
	if err != nil {
		return Spec{}, err
	}
	spec, ok := r.specs[id]
	if !ok {
		return Spec{}, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", raw)
	}
	return spec, nil
}

// Supported returns the configured languages in canonical order.
func (r *Registry) Supported() []ID {
	out := make([]ID, 0, len(r.specs))
	for id := range r.specs {
		out = append(out, id)
	}
	rank := make(map[ID]int, len(order))
	for i, id := range order {
		rank[id] = i
	}
	sort.Slice(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out
}

// Images returns the distinct images used by the registry.
func (r *Registry) Images() []string {
	seen := make(map[string]struct{}, len(r.specs))
	var out []string
	for _, id := range r.Supported() {
		image := r.specs[id].Image
		if _, ok := seen[image]; ok {
			continue
		}
		seen[image] = struct{}{}
		out = append(out, image)
	}
	return out
}
