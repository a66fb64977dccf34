package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureWorkspaceFilesSeedsOnce(t *testing.T) {
	dir := t.TempDir()

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("EnsureWorkspaceFiles() error = %v", err)
	}
	// Brand-new workspace gets the standard set plus BOOTSTRAP.md.
	if len(created) != len(workspaceFiles)+1 {
		t.Fatalf("created %d files, want %d: %v", len(created), len(workspaceFiles)+1, created)
	}

	// A second call must not overwrite anything.
	marker := []byte("# edited by user\n")
	if err := os.WriteFile(filepath.Join(dir, SoulFile), marker, 0644); err != nil {
		t.Fatal(err)
	}
	created, err = EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("EnsureWorkspaceFiles() second call error = %v", err)
	}
	if len(created) != 0 {
		t.Errorf("second call created %v, want none", created)
	}
	data, err := os.ReadFile(filepath.Join(dir, SoulFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(marker) {
		t.Error("user edit was overwritten by re-seed")
	}
}

func TestEnsureWorkspaceFilesNoBootstrapForExisting(t *testing.T) {
	dir := t.TempDir()
	// An existing workspace already has AGENTS.md.
	if err := os.WriteFile(filepath.Join(dir, AgentsFile), []byte("# mine\n"), 0644); err != nil {
		t.Fatal(err)
	}

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("EnsureWorkspaceFiles() error = %v", err)
	}
	for _, name := range created {
		if name == BootstrapFile {
			t.Error("BOOTSTRAP.md was seeded into an existing workspace")
		}
	}
	if _, err := os.Stat(filepath.Join(dir, BootstrapFile)); !os.IsNotExist(err) {
		t.Error("BOOTSTRAP.md exists in a pre-existing workspace")
	}
}

func TestLoadContextFilesOrder(t *testing.T) {
	dir := t.TempDir()
	if _, err := EnsureWorkspaceFiles(dir); err != nil {
		t.Fatal(err)
	}

	files := LoadContextFiles(dir)
	if len(files) != len(workspaceFiles)+1 {
		t.Fatalf("loaded %d files, want %d", len(files), len(workspaceFiles)+1)
	}
	for i, name := range workspaceFiles {
		if files[i].Path != name {
			t.Errorf("files[%d].Path = %q, want %q", i, files[i].Path, name)
		}
	}
	if files[len(files)-1].Path != BootstrapFile {
		t.Errorf("last file = %q, want %q", files[len(files)-1].Path, BootstrapFile)
	}
}

func TestLoadContextFilesMissingDir(t *testing.T) {
	if files := LoadContextFiles(""); files != nil {
		t.Errorf("LoadContextFiles(\"\") = %v, want nil", files)
	}
	if files := LoadContextFiles(filepath.Join(t.TempDir(), "absent")); len(files) != 0 {
		t.Errorf("LoadContextFiles(absent) = %v, want empty", files)
	}
}
