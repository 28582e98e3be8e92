package agent

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentworker/agentworker/pkg/protocol"
)

func newTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AGENT_WORKER_HOME", home)
	return home
}

func TestRegistryCreateAndLoad(t *testing.T) {
	home := newTestHome(t)
	reg := NewRegistry()

	handle, err := reg.Create(&Definition{Name: "writer", Model: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if handle.Ephemeral {
		t.Fatal("created agent must not be ephemeral")
	}
	for _, sub := range contextSubdirs {
		if _, err := os.Stat(filepath.Join(handle.ContextDir, sub)); err != nil {
			t.Fatalf("missing context subdir %s: %v", sub, err)
		}
	}

	// Creating again collides on the YAML file.
	if _, err := reg.Create(&Definition{Name: "writer"}); !errors.Is(err, protocol.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}

	// A fresh registry over the same home finds it.
	fresh := NewRegistry()
	if err := fresh.LoadAll(); err != nil {
		t.Fatal(err)
	}
	got, ok := fresh.Get("writer")
	if !ok || got.Definition.Model != "m1" {
		t.Fatalf("loaded handle = %+v, ok=%v", got, ok)
	}
	_ = home
}

func TestRegistryLoadAllSkipsBadYAML(t *testing.T) {
	newTestHome(t)
	reg := NewRegistry()
	if err := os.MkdirAll(reg.AgentsDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(reg.AgentsDir(), "broken.yaml"), []byte("name: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(reg.AgentsDir(), "good.yaml"), []byte("name: good\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.LoadAll(); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("good"); !ok {
		t.Fatal("good definition not loaded")
	}
	if _, ok := reg.Get("broken"); ok {
		t.Fatal("broken definition should be skipped")
	}
}

func TestRegistryReplaceSemantics(t *testing.T) {
	newTestHome(t)
	reg := NewRegistry()
	first, err := reg.RegisterDefinition(&Definition{Name: "writer", Model: "old"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := reg.RegisterDefinition(&Definition{Name: "writer", Model: "new"})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := reg.Get("writer")
	if got != second || got == first {
		t.Fatal("register must replace the prior handle")
	}
	if got.Definition.Model != "new" {
		t.Fatalf("model = %q", got.Definition.Model)
	}
}

func TestRegistryDelete(t *testing.T) {
	newTestHome(t)
	reg := NewRegistry()
	handle, err := reg.Create(&Definition{Name: "writer"})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Delete("writer"); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("writer"); ok {
		t.Fatal("handle still registered")
	}
	if _, err := os.Stat(handle.ContextDir); !os.IsNotExist(err) {
		t.Fatalf("context dir survived: %v", err)
	}
	if err := reg.Delete("writer"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRegisterEphemeralLeavesNoArtifacts(t *testing.T) {
	home := newTestHome(t)
	reg := NewRegistry()
	handle, err := reg.RegisterEphemeral(&Definition{Name: "scratch"})
	if err != nil {
		t.Fatal(err)
	}
	if !handle.Ephemeral || handle.ContextDir != "" {
		t.Fatalf("handle = %+v", handle)
	}
	if _, err := os.Stat(filepath.Join(home, "contexts")); !os.IsNotExist(err) {
		t.Fatal("ephemeral registration created context dirs")
	}
}
