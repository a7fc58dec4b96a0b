package toolkit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino/components/tool/utils"

	"crew/internal/config"
	"crew/internal/events"
)

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"description=Destination path relative to the output root"`
	Content string `json:"content" jsonschema:"description=Full file content to write"`
}

// NewFilesToolkit exposes a file writer confined to the configured root.
// Every write is published as a write_file event.
func NewFilesToolkit(ctx context.Context, cfg config.FilesConfig, bus *events.Bus) (*Toolkit, error) {
	root := cfg.Root
	if root == "" {
		var err error
		root, err = config.FilesRoot()
		if err != nil {
			return nil, err
		}
	}

	write := func(ctx context.Context, in *writeFileInput) (string, error) {
		target, err := resolveUnder(root, in.Path)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("create directories: %w", err)
		}
		if err := os.WriteFile(target, []byte(in.Content), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", in.Path, err)
		}

		bus.Publish(events.FromContext(ctx, events.ActionWriteFile, map[string]any{
			"process_task_id": events.TaskFrom(ctx),
			"file_path":       target,
		}))

		return fmt.Sprintf("wrote %s (%d bytes)", target, len(in.Content)), nil
	}

	impl, err := utils.InferTool(
		"write_file",
		"Write a text file into the project output directory, creating parent directories.",
		write,
	)
	if err != nil {
		return nil, err
	}

	tk := New("files")
	if err := tk.Add(ctx, impl); err != nil {
		return nil, err
	}
	return tk, nil
}

// resolveUnder joins path under root and rejects escapes.
func resolveUnder(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", path)
	}
	target := filepath.Join(root, filepath.Clean(path))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes output root: %s", path)
	}
	return target, nil
}
