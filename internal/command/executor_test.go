// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"context"
	"testing"

	"github.com/stratastor/logger"
	"github.com/stratastor/zfsd/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		cmd     string
		args    []string
		wantErr bool
	}{
		{"Absolute", "/sbin/zpool", []string{"status", "-j"}, false},
		{"Empty", "", nil, true},
		{"Relative", "zpool", nil, true},
		{"InjectedArg", "/sbin/zpool", []string{"status; rm -rf /"}, true},
		{"Traversal", "/sbin/zdb", []string{"-l", "/dev/../etc/passwd"}, true},
		{"GuidArg", "/sbin/zinject", []string{"-d", "1234567890", "-A", "degrade", "tank"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCommand(tt.cmd, tt.args)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.CommandInvalidInput))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExecute(t *testing.T) {
	l, err := logger.NewTag(logger.Config{LogLevel: "debug"}, "test")
	require.NoError(t, err)

	e := NewCommandExecutor(l, false)

	t.Run("Stdout", func(t *testing.T) {
		out, err := e.Execute(context.Background(), "/bin/echo", "hello")
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(out))
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		_, err := e.Execute(context.Background(), "/bin/false")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.CommandExecution))
	})

	t.Run("RejectedBeforeRun", func(t *testing.T) {
		_, err := e.ExecuteWithCombinedOutput(context.Background(), "echo", "x")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.CommandInvalidInput))
	})
}
