package server

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/amorison/pipeline/internal/config"
	"github.com/amorison/pipeline/internal/protocol"
)

// runProcessingSteps runs the server's configured processing pipeline
// for spec, materialized at path. A step fails iff an external command
// exits non-zero or a filesystem directive errors; the whole list
// fails on the first failing step.
func (s *Server) runProcessingSteps(ctx context.Context, spec protocol.FileSpec, path string) error {
	for i, step := range s.cfg.Processing {
		if err := runStep(ctx, step, spec, path); err != nil {
			return errors.Wrapf(err, "processing step %d (%s)", i, step.Type)
		}
	}
	return nil
}

func runStep(ctx context.Context, step config.ProcessingStep, spec protocol.FileSpec, path string) error {
	switch step.Type {
	case config.StepCommand:
		return runCommandStep(ctx, step.Argv, spec, path)
	case config.StepCreateDirectory:
		return os.MkdirAll(substituteTokens(step.Path, spec, path), 0o755)
	case config.StepDeleteFile:
		return removeIgnoreNotExist(substituteTokens(step.Path, spec, path))
	case config.StepDeleteDirectory:
		return removeIgnoreNotExist(substituteTokens(step.Path, spec, path))
	default:
		return errors.Errorf("unknown processing step type %q", step.Type)
	}
}

func removeIgnoreNotExist(path string) error {
	err := os.RemoveAll(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func runCommandStep(ctx context.Context, argv []string, spec protocol.FileSpec, path string) error {
	if len(argv) == 0 {
		return errors.New("command step has empty argv")
	}
	args := make([]string, len(argv))
	for i, a := range argv {
		args[i] = substituteTokens(a, spec, path)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "command %v failed: %s", args, out)
	}
	return nil
}

// substituteTokens replaces the well-defined placeholders in a
// processing-step argument. Substitution operates on raw string bytes
// with no normalization, so paths containing non-UTF-8 sequences
// survive unchanged on platforms that permit them.
func substituteTokens(arg string, spec protocol.FileSpec, serverPath string) string {
	stem := strings.TrimSuffix(spec.FileName, filepath.Ext(spec.FileName))
	replacer := strings.NewReplacer(
		"{hash}", spec.Digest.Hex,
		"{server_path}", serverPath,
		"{client_name}", spec.ClientName,
		"{client_relative_directory}", spec.RelativeSubdir,
		"{client_file_stem}", stem,
	)
	return replacer.Replace(arg)
}
