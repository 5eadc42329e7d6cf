package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/kestrel/bytecode"
	"github.com/chazu/kestrel/manifest"
	"github.com/chazu/kestrel/module"
	"github.com/chazu/kestrel/profile"
	"github.com/chazu/kestrel/vm"
)

func TestModuleName(t *testing.T) {
	tests := []struct{ path, want string }{
		{"app.kbc", "app"},
		{"/opt/lib/std.v2.kbc", "std.v2"},
		{"noext", "noext"},
	}
	for _, tt := range tests {
		if got := moduleName(tt.path); got != tt.want {
			t.Errorf("moduleName(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestLoadAndRunModule(t *testing.T) {
	b := module.NewBuilder()
	b.Struct("Main", "").Method("main", module.FunctionType(module.Primitive(bytecode.I32)), module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.LoadConst(b.Literal(bytecode.I32Value(5))),
		bytecode.Return(),
	})
	dir := t.TempDir()
	path := filepath.Join(dir, "app.kbc")
	if err := os.WriteFile(path, module.Encode(b.Build()), 0644); err != nil {
		t.Fatal(err)
	}

	headers, err := loadModule(path)
	if err != nil {
		t.Fatalf("loadModule: %v", err)
	}
	rt := vm.NewRuntime()
	l := vm.NewLinker(rt)
	l.Add(headers...)
	boot, err := l.Link("Main", "main")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	prof := vm.NewProfiler()
	m, err := vm.NewMachine(rt, vm.WithProfiler(prof))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	started := time.Now()
	v, err := m.Run(boot)
	if err != nil || v != bytecode.I32Value(5) {
		t.Errorf("Run = %s, %v", v, err)
	}

	profPath := filepath.Join(dir, "prof.db")
	if err := saveProfile(profPath, m.ID.String(), "app", started, prof); err != nil {
		t.Fatalf("saveProfile: %v", err)
	}
	store, err := profile.Open(profPath)
	if err != nil {
		t.Fatalf("profile.Open: %v", err)
	}
	defer store.Close()
	run, err := store.Run(m.ID.String())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Program != "app" || run.Invocations != 1 || run.Instructions == 0 {
		t.Errorf("saved run = %+v", run)
	}
}

func TestLoadModuleMissingFile(t *testing.T) {
	if _, err := loadModule(filepath.Join(t.TempDir(), "missing.kbc")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not exist", err)
	}
}

func TestLoadManifestFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte("[program]\nentry = \"App.start\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := loadManifest(dir)
	if err != nil {
		t.Fatalf("loadManifest: %v", err)
	}
	if m.Program.Entry != "App.start" {
		t.Errorf("entry = %q", m.Program.Entry)
	}
	if name := programName(m, []string{"x/app.kbc"}); name != "app" {
		t.Errorf("programName = %q", name)
	}
}
