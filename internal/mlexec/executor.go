// Package mlexec runs the opaque model artifact against one dataset
// chunk. Two artifact forms are supported: a wasm module exporting
// main (run in-process), and any other executable (run as a child
// process reading the chunk on stdin and writing weights to stdout).
package mlexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// wasm magic number "\0asm".
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Executor produces model weights from a model artifact and a dataset
// chunk. Stateless; safe for concurrent use.
type Executor struct {
	// WorkDir holds the temp files for child-process execution.
	// Empty uses the OS temp dir.
	WorkDir string
}

// Run executes the model on the chunk and returns the raw weights
// bytes.
func (e *Executor) Run(ctx context.Context, model, chunk []byte) ([]byte, error) {
	if bytes.HasPrefix(model, wasmMagic) {
		return runWasm(model, chunk)
	}
	return e.runProcess(ctx, model, chunk)
}

func runWasm(module, input []byte) ([]byte, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	mod, err := wasmer.NewModule(store, module)
	if err != nil {
		return nil, fmt.Errorf("mlexec: compile wasm: %w", err)
	}
	instance, err := wasmer.NewInstance(mod, wasmer.NewImportObject())
	if err != nil {
		return nil, fmt.Errorf("mlexec: instantiate wasm: %w", err)
	}
	mainFunc, err := instance.Exports.GetFunction("main")
	if err != nil {
		return nil, fmt.Errorf("mlexec: wasm module has no main: %w", err)
	}
	result, err := mainFunc(input)
	if err != nil {
		return nil, fmt.Errorf("mlexec: wasm main: %w", err)
	}
	if out, ok := result.([]byte); ok {
		return out, nil
	}
	return nil, fmt.Errorf("mlexec: wasm main returned no weights")
}

// runProcess writes the artifact to disk, executes it with the chunk
// on stdin, and treats stdout as the weights.
func (e *Executor) runProcess(ctx context.Context, model, chunk []byte) ([]byte, error) {
	dir, err := os.MkdirTemp(e.WorkDir, "fedmesh-model-*")
	if err != nil {
		return nil, fmt.Errorf("mlexec: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	modelPath := filepath.Join(dir, "model")
	if err := os.WriteFile(modelPath, model, 0o700); err != nil {
		return nil, fmt.Errorf("mlexec: write model: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, modelPath)
	cmd.Stdin = bytes.NewReader(chunk)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Dir = dir
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("mlexec: model run: %w (stderr: %s)", err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("mlexec: model produced no weights")
	}
	return stdout.Bytes(), nil
}
