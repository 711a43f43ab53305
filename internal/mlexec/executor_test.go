package mlexec

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunProcessArtifact(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell-script artifact")
	}
	// A trivial "model": weights are the reversed chunk via rev(1).
	model := []byte("#!/bin/sh\nrev\n")
	chunk := []byte("abc\n")

	e := &Executor{}
	weights, err := e.Run(context.Background(), model, chunk)
	require.NoError(t, err)
	assert.Equal(t, "cba\n", string(weights))
}

func TestRunProcessEmptyOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell-script artifact")
	}
	model := []byte("#!/bin/sh\ntrue\n")

	e := &Executor{}
	_, err := e.Run(context.Background(), model, []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no weights")
}

func TestRunBadWasm(t *testing.T) {
	// Correct magic, garbage body: must fail at compile, not fall
	// through to process execution.
	model := append([]byte{0x00, 0x61, 0x73, 0x6d}, []byte("garbage")...)

	e := &Executor{}
	_, err := e.Run(context.Background(), model, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wasm")
}
