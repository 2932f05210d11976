// Package local provides a transport that executes commands on the machine
// running opsmith, for @local runs and development.
package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsmith/opsmith/pkg/inventory"
	"github.com/opsmith/opsmith/pkg/operr"
	"github.com/opsmith/opsmith/pkg/transports"
)

// Transport runs commands through the local shell.
type Transport struct {
	shell string
}

// New creates a local transport using the given shell, or /bin/sh when empty.
func New(shell string) *Transport {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Transport{shell: shell}
}

// Connect is a no-op for the local transport.
func (t *Transport) Connect(ctx context.Context) error { return nil }

// Close is a no-op for the local transport.
func (t *Transport) Close() error { return nil }

// Execute runs a command through the local shell.
func (t *Transport) Execute(ctx context.Context, command string) (*transports.Result, error) {
	cmd := exec.CommandContext(ctx, t.shell, "-c", command)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	startTime := time.Now()
	err := cmd.Run()
	result := &transports.Result{
		Stdout:   transports.SplitLines(stdoutBuf.String()),
		Stderr:   transports.SplitLines(stderrBuf.String()),
		Duration: time.Since(startTime),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, operr.NewTransportError("local execute failed", err)
		}
		if ctx.Err() != nil {
			return nil, operr.NewTransportError("command cancelled", ctx.Err())
		}
		result.ExitCode = exitErr.ExitCode()
	}

	log.Debug().
		Str("command", command).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("local command completed")

	return result, nil
}

// Upload copies a local file to another local path.
func (t *Transport) Upload(ctx context.Context, localPath, remotePath string, mode uint32) error {
	src, err := os.Open(localPath)
	if err != nil {
		return operr.NewTransportError("cannot open local file: "+localPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(mode))
	if err != nil {
		return operr.NewTransportError("cannot create file: "+remotePath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return operr.NewTransportError("copy failed: "+remotePath, err)
	}
	return nil
}

// Factory builds local transports regardless of host data. It is the
// transports.Factory for @local inventories.
func Factory(h *inventory.Host) (transports.Transport, error) {
	return New(h.String("shell_executable", "")), nil
}
