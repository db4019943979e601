package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wos/internal/klog"
)

func TestInterpreterListsDevDirectory(t *testing.T) {
	k, err := Boot(testConfig(), klog.NewNop())
	require.NoError(t, err)

	sh := newInterpreter(k.VFS)

	out, exit := sh.run("ls /dev")
	assert.False(t, exit)
	assert.Contains(t, out, "null")
	assert.Contains(t, out, "zero")
	assert.Contains(t, out, "urandom")
}

func TestInterpreterPwdAndCd(t *testing.T) {
	k, err := Boot(testConfig(), klog.NewNop())
	require.NoError(t, err)
	sh := newInterpreter(k.VFS)

	out, _ := sh.run("pwd")
	assert.Equal(t, "/\n", out)

	sh.run("cd /dev")
	out, _ = sh.run("pwd")
	assert.Equal(t, "/dev\n", out)
}

func TestInterpreterExitSignalsDone(t *testing.T) {
	k, err := Boot(testConfig(), klog.NewNop())
	require.NoError(t, err)
	sh := newInterpreter(k.VFS)

	_, exit := sh.run("exit")
	assert.True(t, exit)
}

func TestInterpreterUnknownCommand(t *testing.T) {
	k, err := Boot(testConfig(), klog.NewNop())
	require.NoError(t, err)
	sh := newInterpreter(k.VFS)

	out, exit := sh.run("frobnicate")
	assert.False(t, exit)
	assert.Contains(t, out, "command not found")
}

func TestInterpreterMountsListsEveryMount(t *testing.T) {
	k, err := Boot(testConfig(), klog.NewNop())
	require.NoError(t, err)
	sh := newInterpreter(k.VFS)

	out, _ := sh.run("mounts")
	assert.Contains(t, out, "devfs")
	assert.Contains(t, out, "procfs")
}
