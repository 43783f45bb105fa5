// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package devdctl

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratastor/zfsd/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devd.pipe")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := Dial(path)
	require.NoError(t, err)
	defer conn.Close()

	var peer net.Conn
	select {
	case peer = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never accepted")
	}

	t.Run("EmptySocketWouldBlock", func(t *testing.T) {
		buf := make([]byte, 16)
		_, err := conn.Read(buf)
		assert.ErrorIs(t, err, ErrWouldBlock)

		pending, err := conn.Pending()
		require.NoError(t, err)
		assert.False(t, pending)
	})

	t.Run("FramesRecords", func(t *testing.T) {
		_, err := peer.Write([]byte("!system=ZFS timestamp=1\n+da0 at bus=0 on pci0\n"))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			pending, err := conn.Pending()
			return err == nil && pending
		}, 5*time.Second, 10*time.Millisecond)

		b := newTestBuffer(t, conn)
		assert.Equal(t, []string{
			"!system=ZFS timestamp=1\n",
			"+da0 at bus=0 on pci0\n",
		}, drain(t, b))
	})

	t.Run("Flush", func(t *testing.T) {
		_, err := peer.Write([]byte("!stale=1\n"))
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			pending, _ := conn.Pending()
			return pending
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, conn.Flush())
		pending, err := conn.Pending()
		require.NoError(t, err)
		assert.False(t, pending)
	})

	t.Run("PeerClosed", func(t *testing.T) {
		require.NoError(t, peer.Close())
		require.Eventually(t, func() bool {
			pending, _ := conn.Pending()
			return pending
		}, 5*time.Second, 10*time.Millisecond)

		err := conn.Flush()
		assert.True(t, errors.Is(err, errors.DevdConnectionClosed))
	})
}

func TestDialMissingSocket(t *testing.T) {
	_, err := Dial(filepath.Join(t.TempDir(), "absent"))
	assert.True(t, errors.Is(err, errors.DevdConnectFailed))
}
