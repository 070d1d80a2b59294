package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/haatos/simple-cd/internal/util"
	"github.com/valyala/fasttemplate"
)

type BuildOptions struct {
	Generator GeneratorConfig
	// OutputDir must not exist yet; it is created by the generator or by
	// moving the generator's output directory into place.
	OutputDir string
	Name      string
	RunID     int64
	Output    io.Writer
}

// BuildStage invokes the external site generator against a resolved content
// tree.
type BuildStage struct {
	waitDelay time.Duration
}

func NewBuildStage() *BuildStage {
	return &BuildStage{waitDelay: 5 * time.Second}
}

// Build runs the generator with (sourceRoot, OutputDir) and returns the
// produced artifact. Abnormal exit and missing or empty output fail with
// *BuildError.
func (b *BuildStage) Build(ctx context.Context, sourceRoot string, opts BuildOptions) (*Artifact, error) {
	gen := opts.Generator
	if gen.Command == "" {
		return nil, &BuildError{Stage: StageBuild, Err: errors.New("no generator command configured")}
	}
	if err := os.MkdirAll(filepath.Dir(opts.OutputDir), 0o755); err != nil {
		return nil, err
	}

	vars := map[string]any{
		"source": sourceRoot,
		"output": opts.OutputDir,
	}
	args := make([]string, 0, len(gen.Args))
	for _, arg := range gen.Args {
		args = append(args, fasttemplate.ExecuteString(arg, "{{", "}}", vars))
	}

	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	cmd := exec.CommandContext(ctx, gen.Command, args...)
	cmd.Dir = sourceRoot
	cmd.Env = append(os.Environ(), gen.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = b.waitDelay

	if err := cmd.Run(); err != nil {
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			return nil, &BuildError{Stage: StageBuild, Err: fmt.Errorf("generator %s interrupted: %w", gen.Command, ctxErr)}
		}
		return nil, &BuildError{Stage: StageBuild, Err: fmt.Errorf("generator %s: %w", gen.Command, err)}
	}

	if gen.Output != "" {
		produced, err := contentRoot(sourceRoot, gen.Output)
		if err != nil {
			return nil, &BuildError{Stage: StageBuild, Err: err}
		}
		if err := moveDir(produced, opts.OutputDir); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, &BuildError{Stage: StageBuild, Err: fmt.Errorf("generator produced no output directory %s", gen.Output)}
			}
			return nil, err
		}
	}

	hasFiles, err := util.DirHasFiles(opts.OutputDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if !hasFiles {
		return nil, &BuildError{Stage: StageBuild, Err: errors.New("generator produced no output")}
	}

	files, size, err := dirStats(opts.OutputDir)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Ref:   ArtifactRef{RunID: opts.RunID, Name: opts.Name},
		Dir:   opts.OutputDir,
		Files: files,
		Size:  size,
	}, nil
}

func moveDir(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := util.CopyDir(src, dst); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func dirStats(dir string) (files, size int64, err error) {
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			files++
			size += info.Size()
		}
		return nil
	})
	return files, size, err
}
