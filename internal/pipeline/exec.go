package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/radcase/radcase/internal/models"
)

// Argument placeholders expanded by CommandExecutor.
const (
	// ArgInputs expands to one argument per input file.
	ArgInputs = "{inputs}"
	// ArgOutDir is replaced by the step's output folder.
	ArgOutDir = "{out}"
)

// PathResolver maps an entity id to its canonical file.
type PathResolver interface {
	CanonicalPath(id string) (string, error)
}

// CommandExecutor runs each step as a local process. Input paths are
// resolved before the job starts so the patient is not read concurrently.
type CommandExecutor struct {
	inputs  map[string]string
	workDir string
	logger  *slog.Logger
}

// NewCommandExecutor resolves ids through p and writes step outputs under
// workDir, one folder per step.
func NewCommandExecutor(p PathResolver, ids []string, workDir string, logger *slog.Logger) (*CommandExecutor, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	inputs := make(map[string]string, len(ids))
	for _, id := range ids {
		path, err := p.CanonicalPath(id)
		if err != nil {
			return nil, err
		}
		inputs[id] = path
	}
	return &CommandExecutor{inputs: inputs, workDir: workDir, logger: logger}, nil
}

// Run executes the steps in order. A failing step stops the pipeline.
func (e *CommandExecutor) Run(ctx context.Context, steps []Step, entityIDs []string) ([]Output, error) {
	paths := make([]string, 0, len(entityIDs))
	for _, id := range entityIDs {
		path, ok := e.inputs[id]
		if !ok {
			return nil, models.NotFoundf("pipeline input", id)
		}
		paths = append(paths, path)
	}
	var parent string
	if len(entityIDs) > 0 {
		parent = entityIDs[0]
	}

	var outputs []Output
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return outputs, err
		}
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step%d", i)
		}
		outDir := filepath.Join(e.workDir, models.Slug(name))
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return outputs, models.Storagef(err, "creating step folder %s", outDir)
		}

		cmd := exec.CommandContext(ctx, step.Command, expandArgs(step.Args, paths, outDir)...)
		cmd.Dir = outDir
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		e.logger.Debug("running step", "step", name, "command", step.Command)
		if err := cmd.Run(); err != nil {
			return outputs, models.Storagef(err, "step %s: %s", name, strings.TrimSpace(stderr.String()))
		}

		produced, err := listFiles(outDir)
		if err != nil {
			return outputs, models.Storagef(err, "listing outputs of %s", name)
		}
		for _, f := range produced {
			outputs = append(outputs, Output{Path: f, Category: step.Produces, Parent: parent, Step: name})
		}
	}
	return outputs, nil
}

func expandArgs(args, inputs []string, outDir string) []string {
	out := make([]string, 0, len(args)+len(inputs))
	for _, a := range args {
		if a == ArgInputs {
			out = append(out, inputs...)
			continue
		}
		out = append(out, strings.ReplaceAll(a, ArgOutDir, outDir))
	}
	return out
}

func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	slices.Sort(files)
	return files, err
}
