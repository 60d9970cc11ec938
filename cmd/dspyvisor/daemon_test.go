package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "dspyvisor.pid")

	require.NoError(t, writePidFile(pidFile, os.Getpid()))
	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	require.NoError(t, removePidFile(pidFile))
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))

	// already gone and empty path are both fine
	require.NoError(t, removePidFile(pidFile))
	require.NoError(t, removePidFile(""))
}

func TestChildArgs(t *testing.T) {
	in := []string{"serve", "--daemonize", "--logfile", "/tmp/x.log", "--pidfile", "/tmp/x.pid", "--logfile=/tmp/y.log", "cfg.toml"}
	assert.Equal(t, []string{"serve", "--pidfile", "/tmp/x.pid", "cfg.toml"}, childArgs(in))
}
