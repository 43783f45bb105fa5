// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/stratastor/logger"
	"github.com/stratastor/zfsd/pkg/errors"
)

// Dangerous characters that could enable command injection
var dangerousChars = "&|><$`\\;{}"

const (
	// Command execution timeout
	DefaultTimeout = 30 * time.Second

	maxCommandArgs = 64
)

// CommandExecutor runs the external storage tools zfsd depends on.
// Commands must be given by absolute path; arguments are never passed
// through a shell.
type CommandExecutor struct {
	logger  logger.Logger
	useSudo bool

	// Timeout applies when the caller's context carries no deadline.
	// Zero means DefaultTimeout.
	Timeout time.Duration
}

func NewCommandExecutor(l logger.Logger, useSudo bool) *CommandExecutor {
	return &CommandExecutor{
		logger:  l,
		useSudo: useSudo,
		Timeout: DefaultTimeout,
	}
}

// Execute runs name with args and returns its standard output.
// On a non-zero exit the returned error carries stderr in its metadata.
func (e *CommandExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	err := e.run(ctx, &stdout, &stderr, name, args...)
	if err != nil {
		var ze *errors.ZfsdError
		if errors.As(err, &ze) {
			ze.WithMetadata("stderr", strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// ExecuteWithCombinedOutput runs name with args and returns stdout and
// stderr interleaved.
func (e *CommandExecutor) ExecuteWithCombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	err := e.run(ctx, &out, &out, name, args...)
	if err != nil {
		var ze *errors.ZfsdError
		if errors.As(err, &ze) {
			ze.WithMetadata("output", strings.TrimSpace(out.String()))
		}
	}
	return out.Bytes(), err
}

func (e *CommandExecutor) run(ctx context.Context, stdout, stderr *bytes.Buffer, name string, args ...string) error {
	if err := validateCommand(name, args); err != nil {
		return err
	}

	// Apply timeout if not already set
	if _, ok := ctx.Deadline(); !ok {
		timeout := e.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	argv := append([]string{name}, args...)
	if e.useSudo {
		argv = append([]string{"sudo", "-n"}, argv...)
	}
	cmdString := shellquote.Join(argv...)
	if e.logger != nil {
		e.logger.Debug("executing command", "cmd", cmdString)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return errors.New(errors.CommandTimeout, "command execution timed out").
			WithMetadata("command", cmdString)
	}

	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		if e.logger != nil {
			e.logger.Debug("command exited non-zero",
				"cmd", cmdString,
				"exit_code", exitErr.ExitCode())
		}
		return errors.Wrap(err, errors.CommandExecution).
			WithMetadata("command", cmdString).
			WithMetadata("exit_code", fmt.Sprintf("%d", exitErr.ExitCode()))
	}

	return errors.Wrap(err, errors.CommandNotFound).
		WithMetadata("command", cmdString)
}

// validateCommand performs security checks on the command and arguments
func validateCommand(name string, args []string) error {
	if name == "" {
		return errors.New(errors.CommandInvalidInput, "empty command")
	}

	if !strings.HasPrefix(name, "/") {
		return errors.New(errors.CommandInvalidInput, "command must be an absolute path").
			WithMetadata("command", name)
	}

	if strings.ContainsAny(name, dangerousChars) {
		return errors.New(errors.CommandInvalidInput, "command contains invalid characters")
	}

	if len(args) > maxCommandArgs {
		return errors.New(errors.CommandInvalidInput, "too many arguments")
	}

	for _, arg := range args {
		if strings.ContainsAny(arg, dangerousChars) {
			return errors.New(errors.CommandInvalidInput, "argument contains invalid characters").
				WithMetadata("argument", arg)
		}
		if strings.Contains(arg, "..") {
			return errors.New(errors.CommandInvalidInput, "path traversal not allowed")
		}
	}

	return nil
}
