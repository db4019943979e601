package percpu_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wos/internal/percpu"
)

func TestTableGetInRange(t *testing.T) {
	tbl := percpu.NewTable(4, 4096, 8192)
	assert.Equal(t, 4, tbl.Count())

	cpu, err := tbl.Get(2)
	require.NoError(t, err)
	assert.Equal(t, 2, cpu.ID)
}

func TestTableGetOutOfRange(t *testing.T) {
	tbl := percpu.NewTable(1, 4096, 8192)
	_, err := tbl.Get(5)
	assert.Error(t, err)
}
