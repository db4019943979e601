package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadBootConfigFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
memory_map:
  - base: 0x100000
    length: 0x4000000
    type: usable
`)
	cfg, err := LoadBootConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.NCPU)
	assert.Equal(t, defaultSyscallStackSize, cfg.SyscallStackSize)
	assert.Equal(t, defaultKernelStackSize, cfg.KernelStackSize)
	assert.Equal(t, uint32(defaultSectorSize), cfg.Disk.SectorSize)
	assert.EqualValues(t, 0x4000000, cfg.UsableBytes())
}

func TestLoadBootConfigIgnoresReservedRegions(t *testing.T) {
	path := writeConfig(t, `
memory_map:
  - base: 0
    length: 0x1000
    type: reserved
  - base: 0x1000
    length: 0x2000
    type: usable
ncpu: 4
`)
	cfg, err := LoadBootConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.NCPU)
	assert.EqualValues(t, 0x2000, cfg.UsableBytes())
}

func TestLoadBootConfigRejectsEmptyMemoryMap(t *testing.T) {
	path := writeConfig(t, "ncpu: 1\n")
	_, err := LoadBootConfig(path)
	assert.Error(t, err)
}

func TestLoadBootConfigRejectsMissingFile(t *testing.T) {
	_, err := LoadBootConfig("/nonexistent/boot.yaml")
	assert.Error(t, err)
}
