package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"codegrade/internal/execution/language"
	"codegrade/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const inputFileName = "input.txt"

// workspace is the host-side scratch directory of one invocation.
type workspace struct {
	name       string
	root       string
	sourcePath string
	inputPath  string
}

// newWorkspace creates a uniquely named directory under workRoot holding the
// source file and, when stdin is non-empty, the input file. Mkdir fails on an
// existing path, so two invocations can never share a directory.
func newWorkspace(workRoot string, lang language.Spec, source, stdin string) (*workspace, error) {
	if err := os.MkdirAll(workRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create work root failed: %w", err)
	}
	name := fmt.Sprintf("%s-%d-%s", lang.ID, time.Now().UnixNano(), uuid.NewString())
	root := filepath.Join(workRoot, name)
	if err := os.Mkdir(root, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch directory failed: %w", err)
	}
	ws := &workspace{
		name:       name,
		root:       root,
		sourcePath: filepath.Join(root, lang.SourceFile),
	}
	if err := os.WriteFile(ws.sourcePath, []byte(source), 0o644); err != nil {
		_ = os.RemoveAll(root)
		return nil, fmt.Errorf("write source file failed: %w", err)
	}
	if stdin != "" {
		ws.inputPath = filepath.Join(root, inputFileName)
		if err := os.WriteFile(ws.inputPath, []byte(stdin), 0o644); err != nil {
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("write input file failed: %w", err)
		}
	}
	return ws, nil
}

// cleanup removes the scratch directory. Failures are logged, never returned.
func (w *workspace) cleanup(ctx context.Context) {
	if err := os.RemoveAll(w.root); err != nil {
		logger.Warn(ctx, "remove scratch directory failed", zap.String("path", w.root), zap.Error(err))
	}
}
