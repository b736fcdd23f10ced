package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// SubprocessExecutor shells out to an external binary for one stage
// kind, writing the input document to a temp file and parsing a
// result document from the process's stdout. This is the default,
// generic shim referenced in spec.md §1 ("externally pluggable
// executors") — it knows nothing about chemistry, only about how to
// hand a document to a configured program and read one back.
type SubprocessExecutor struct {
	// Command is the binary to invoke; Args are passed first, followed
	// by the input file path and a "--cores"/"--mem-gib" budget pair.
	Command string
	Args    []string

	// WorkDir is where per-invocation input files are written.
	// KeepIntermediate controls whether they are removed afterward
	// (spec.md §6.2 "keep intermediate working files").
	WorkDir          string
	KeepIntermediate bool
}

func (e *SubprocessExecutor) run(ctx context.Context, input map[string]any, budget Budget) (Result, error) {
	if e.Command == "" {
		return Result{}, fmt.Errorf("executor: no command configured")
	}

	inputFile, err := os.CreateTemp(e.WorkDir, "bespoke-input-*.json")
	if err != nil {
		return Result{}, fmt.Errorf("create input file: %w", err)
	}
	inputPath := inputFile.Name()
	if !e.KeepIntermediate {
		defer os.Remove(inputPath)
	}

	enc := json.NewEncoder(inputFile)
	if err := enc.Encode(input); err != nil {
		inputFile.Close()
		return Result{}, fmt.Errorf("encode input document: %w", err)
	}
	if err := inputFile.Close(); err != nil {
		return Result{}, fmt.Errorf("close input file: %w", err)
	}

	args := append([]string{}, e.Args...)
	args = append(args, inputPath, "--cores", strconv.Itoa(budget.Cores), "--mem-gib", strconv.Itoa(budget.MemoryGiB))

	cmd := exec.CommandContext(ctx, e.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Dir = filepath.Dir(inputPath)

	runErr := cmd.Run()

	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if runErr != nil {
		// A failed run whose stdout parses as an error document with a
		// non-empty "error" field is a reported failure and is returned
		// as an ExecError; any other failure (a crash) is returned as a
		// plain wrapped error, which the worker (pkg/worker) treats as
		// recoverable.
		var errDoc struct {
			Error string         `json:"error"`
			Detail map[string]any `json:"detail"`
		}
		if json.Unmarshal(stdout.Bytes(), &errDoc) == nil && errDoc.Error != "" {
			return Result{}, &ExecError{Message: errDoc.Error, Detail: errDoc.Detail}
		}
		return Result{}, fmt.Errorf("executor process failed: %w (stderr: %s)", runErr, stderr.String())
	}

	var out map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Result{}, fmt.Errorf("parse executor output: %w", err)
	}
	return Result{Output: out}, nil
}

// Fragment implements Fragmenter.
func (e *SubprocessExecutor) Fragment(ctx context.Context, input map[string]any, budget Budget) (Result, error) {
	return e.run(ctx, input, budget)
}

// Compute implements QCEngine.
func (e *SubprocessExecutor) Compute(ctx context.Context, input map[string]any, budget Budget) (Result, error) {
	return e.run(ctx, input, budget)
}

// Optimize implements Optimizer.
func (e *SubprocessExecutor) Optimize(ctx context.Context, input map[string]any, budget Budget) (Result, error) {
	return e.run(ctx, input, budget)
}
