// Package bootstrap seeds and loads the workspace files that shape an
// agent's system prompt: identity, persona, tool notes, and the
// first-run bootstrap ritual.
package bootstrap

import (
	"log/slog"
	"os"
	"path/filepath"
)

// Workspace file names. The order of workspaceFiles is the order they
// appear in the system prompt, so it must stay stable.
const (
	AgentsFile    = "AGENTS.md"
	SoulFile      = "SOUL.md"
	IdentityFile  = "IDENTITY.md"
	ToolsFile     = "TOOLS.md"
	UserFile      = "USER.md"
	BootstrapFile = "BOOTSTRAP.md"
)

var workspaceFiles = []string{
	AgentsFile,
	SoulFile,
	IdentityFile,
	ToolsFile,
	UserFile,
}

// ContextFile is one workspace file injected into the system prompt.
type ContextFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// LoadContextFiles reads the known workspace files from dir, in the
// fixed prompt order. Missing files are skipped; BOOTSTRAP.md is
// appended last when present so the first-run ritual closes the prompt.
func LoadContextFiles(dir string) []ContextFile {
	if dir == "" {
		return nil
	}

	var files []ContextFile
	for _, name := range append(append([]string(nil), workspaceFiles...), BootstrapFile) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("bootstrap: failed to read context file", "file", name, "error", err)
			}
			continue
		}
		files = append(files, ContextFile{Path: name, Content: string(data)})
	}
	return files
}
