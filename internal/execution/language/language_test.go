package language_test

import (
	"reflect"
	"testing"
	"time"

	"codegrade/internal/execution/language"
	appErr "codegrade/pkg/errors"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    language.ID
		errCode appErr.ErrorCode
	}{
		{raw: "python", want: language.Python},
		{raw: " JavaScript ", want: language.JavaScript},
		{raw: "CPP", want: language.CPP},
		{raw: "java", want: language.Java},
		{raw: "ruby", errCode: appErr.LanguageNotSupported},
		{raw: "", errCode: appErr.ValidationFailed},
	}

	for _, tc := range cases {
		got, err := language.Parse(tc.raw)
		if tc.errCode != 0 {
			if !appErr.Is(err, tc.errCode) {
				t.Fatalf("%q: expected code %d, got %v", tc.raw, tc.errCode, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%q: expected %s, got %s", tc.raw, tc.want, got)
		}
	}
}

func TestDefaultCommands(t *testing.T) {
	t.Parallel()

	reg, err := language.NewRegistry(nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	cpp, err := reg.Resolve("cpp")
	if err != nil {
		t.Fatalf("resolve cpp: %v", err)
	}
	compile, err := cpp.CompileArgv("/sandbox")
	if err != nil {
		t.Fatalf("compile argv: %v", err)
	}
	wantCompile := []string{"g++", "-O2", "-std=c++17", "-o", "/sandbox/main", "/sandbox/main.cpp"}
	if !reflect.DeepEqual(compile, wantCompile) {
		t.Fatalf("expected %v, got %v", wantCompile, compile)
	}
	run, _ := cpp.RunArgv("/sandbox")
	if !reflect.DeepEqual(run, []string{"/sandbox/main"}) {
		t.Fatalf("unexpected run argv: %v", run)
	}
	if cpp.Timeout != language.CompiledTimeout {
		t.Fatalf("expected compiled timeout, got %s", cpp.Timeout)
	}

	py, _ := reg.Resolve("python")
	if py.Compiled() {
		t.Fatalf("python must not compile")
	}
	argv, _ := py.CompileArgv("/sandbox")
	if argv != nil {
		t.Fatalf("expected nil compile argv, got %v", argv)
	}
	if py.Timeout != language.InterpretedTimeout {
		t.Fatalf("expected interpreted timeout, got %s", py.Timeout)
	}
}

func TestRegistryOverrides(t *testing.T) {
	t.Parallel()

	reg, err := language.NewRegistry([]language.Spec{{
		ID:      language.Python,
		Image:   "python:3.12-slim",
		RunCmd:  "python3 -I '{src}'",
		Timeout: 3 * time.Second,
	}})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	py, _ := reg.Resolve("python")
	if py.Image != "python:3.12-slim" || py.Timeout != 3*time.Second {
		t.Fatalf("override not applied: %+v", py)
	}
	if py.SourceFile != "main.py" {
		t.Fatalf("expected default source file to survive, got %s", py.SourceFile)
	}
	argv, _ := py.RunArgv("/sandbox")
	if !reflect.DeepEqual(argv, []string{"python3", "-I", "/sandbox/main.py"}) {
		t.Fatalf("unexpected argv: %v", argv)
	}
}

func TestRegistryRejectsUnknownOverride(t *testing.T) {
	t.Parallel()

	_, err := language.NewRegistry([]language.Spec{{ID: "rust", Image: "rust:1"}})
	if !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
}

func TestRegistryRejectsBrokenTemplate(t *testing.T) {
	t.Parallel()

	_, err := language.NewRegistry([]language.Spec{{ID: language.JavaScript, RunCmd: "node 'unterminated"}})
	if !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("expected InvalidParams, got %v", err)
	}
}

func TestSupportedOrder(t *testing.T) {
	t.Parallel()

	reg, _ := language.NewRegistry(nil)
	want := []language.ID{language.Python, language.JavaScript, language.Java, language.CPP}
	if got := reg.Supported(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if len(reg.Images()) != 4 {
		t.Fatalf("expected 4 images, got %v", reg.Images())
	}
}
