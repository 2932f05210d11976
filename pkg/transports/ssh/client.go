// Package ssh provides the SSH transport used to reach remote hosts.
package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/opsmith/opsmith/pkg/inventory"
	"github.com/opsmith/opsmith/pkg/operr"
	"github.com/opsmith/opsmith/pkg/transports"
)

// Client implements transports.Transport over an SSH connection.
type Client struct {
	config *Config

	connMu      sync.RWMutex
	client      *ssh.Client
	isConnected bool
}

// NewClient creates a new SSH transport for one host.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, operr.NewTransportError("invalid ssh config for "+config.Host, err)
	}
	return &Client{config: config}, nil
}

// Connect establishes the SSH connection.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return operr.NewTransportError("ssh auth setup failed", err).WithHost(c.config.Host)
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return operr.NewTransportError("connect cancelled", ctx.Err()).WithHost(c.config.Host)
	case err := <-errChan:
		return operr.NewTransportError("connect failed", err).WithHost(c.config.Host)
	case client := <-connChan:
		c.client = client
		c.isConnected = true
		log.Debug().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.isConnected = false

	if err != nil {
		return operr.NewTransportError("disconnect failed", err).WithHost(c.config.Host)
	}
	return nil
}

// Execute runs a command on the remote host. A non-zero exit code is
// reported in the Result; the error return is reserved for transport
// failures (lost connection, cancelled context).
func (c *Client) Execute(ctx context.Context, command string) (*transports.Result, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, operr.NewTransportError("failed to create session", err).WithHost(c.config.Host)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	startTime := time.Now()
	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(command)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		return nil, operr.NewTransportError("command cancelled", ctx.Err()).WithHost(c.config.Host)
	case execErr = <-doneChan:
	}

	result := &transports.Result{
		Stdout:   transports.SplitLines(stdoutBuf.String()),
		Stderr:   transports.SplitLines(stderrBuf.String()),
		Duration: time.Since(startTime),
	}

	if execErr != nil {
		exitErr, ok := execErr.(*ssh.ExitError)
		if !ok {
			// Connection-level failure, not a command result.
			return nil, operr.NewTransportError("execute failed", execErr).WithHost(c.config.Host)
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", command).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("command completed")

	return result, nil
}

// Upload copies a local file to the remote host via SFTP.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode uint32) error {
	sshClient, err := c.getClient()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return operr.NewTransportError("failed to create sftp client", err).WithHost(c.config.Host)
	}
	defer sftpClient.Close()

	local, err := os.Open(localPath)
	if err != nil {
		return operr.NewTransportError("cannot open local file: "+localPath, err).WithHost(c.config.Host)
	}
	defer local.Close()

	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return operr.NewTransportError("cannot create remote file: "+remotePath, err).WithHost(c.config.Host)
	}
	defer remote.Close()

	written, err := io.Copy(remote, local)
	if err != nil {
		return operr.NewTransportError("upload failed: "+remotePath, err).WithHost(c.config.Host)
	}

	if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
		return operr.NewTransportError(
			fmt.Sprintf("chmod %o failed: %s", mode, remotePath), err).WithHost(c.config.Host)
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("remote", remotePath).
		Int64("bytes", written).
		Msg("file uploaded")

	return nil
}

// getClient returns the underlying SSH client.
func (c *Client) getClient() (*ssh.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return nil, operr.NewTransportError("not connected", nil).WithHost(c.config.Host)
	}
	return c.client, nil
}

// Factory builds SSH transports from host inventory data. It is the default
// transports.Factory for remote hosts.
func Factory(h *inventory.Host) (transports.Transport, error) {
	return NewClient(FromHost(h))
}
