package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolvePathContainment(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()

	if err := os.WriteFile(filepath.Join(ws, "inside.txt"), []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(ws, "link.txt")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"relative inside", "inside.txt", ""},
		{"dotdot escape", "../" + filepath.Base(outside) + "/secret.txt", "outside workspace"},
		{"absolute outside", filepath.Join(outside, "secret.txt"), "outside workspace"},
		{"symlink escape", "link.txt", "outside workspace"},
		{"new file inside", "sub/new.txt", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolvePath(tt.path, ws, true, nil)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("resolvePath(%q) = %v, want nil", tt.path, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("resolvePath(%q) = %v, want %q", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestResolvePathDeniedPrefix(t *testing.T) {
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, ".secrets"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, ".secrets", "token"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := resolvePath(".secrets/token", ws, true, []string{".secrets"})
	if err == nil || !strings.Contains(err.Error(), "restricted") {
		t.Fatalf("resolvePath = %v, want restricted", err)
	}
	if _, err := resolvePath("ok.txt", ws, true, []string{".secrets"}); err != nil {
		t.Fatalf("resolvePath outside denied prefix = %v, want nil", err)
	}
}

func TestResolvePathRejectsHardlink(t *testing.T) {
	ws := t.TempDir()
	orig := filepath.Join(ws, "orig.txt")
	if err := os.WriteFile(orig, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Link(orig, filepath.Join(ws, "hard.txt")); err != nil {
		t.Skipf("hardlinks unsupported: %v", err)
	}

	if _, err := resolvePath("hard.txt", ws, true, nil); err == nil {
		t.Fatal("resolvePath accepted a hardlinked file")
	}
}

func TestFileToolsRoundtrip(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	write := NewWriteFileTool(ws, true)
	if res := write.Execute(ctx, map[string]interface{}{"path": "notes/hello.txt", "content": "hello"}); res.IsError {
		t.Fatalf("write: %s", res.ForLLM)
	}

	read := NewReadFileTool(ws, true)
	res := read.Execute(ctx, map[string]interface{}{"path": "notes/hello.txt"})
	if res.IsError || res.ForLLM != "hello" {
		t.Fatalf("read = %q (err=%v)", res.ForLLM, res.IsError)
	}

	list := NewListFilesTool(ws, true)
	res = list.Execute(ctx, map[string]interface{}{})
	if res.IsError || !strings.Contains(res.ForLLM, "notes/") {
		t.Fatalf("list = %q, want notes/", res.ForLLM)
	}
}

func TestReadFileDenyPaths(t *testing.T) {
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, ".creds"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, ".creds", "key"), []byte("k"), 0o644); err != nil {
		t.Fatal(err)
	}

	read := NewReadFileTool(ws, true)
	read.DenyPaths(".creds")
	if res := read.Execute(context.Background(), map[string]interface{}{"path": ".creds/key"}); !res.IsError {
		t.Fatalf("read of denied prefix succeeded: %q", res.ForLLM)
	}
}
