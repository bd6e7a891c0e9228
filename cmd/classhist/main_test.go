package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountTalliesEveryClass(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "trace")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("0\n0\n1\n12\n\n7\n")
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)

	counts, total, err := count(f)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Equal(t, 2, counts[0])
	assert.Equal(t, 1, counts[1])
	assert.Equal(t, 1, counts[7])
	assert.Equal(t, 1, counts[12])
}

func TestCountRejectsOutOfRangeClass(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "trace")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("13\n")
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)

	_, _, err = count(f)
	assert.Error(t, err)
}

func TestPrintresultsFormat(t *testing.T) {
	var counts [13]int
	counts[0] = 2
	counts[12] = 1
	var buf bytes.Buffer
	printresults(&buf, counts, 3)
	out := buf.String()
	assert.Contains(t, out, "SIZE0:2")
	assert.Contains(t, out, "SIZEN:1")
	assert.Contains(t, out, "total allocations: 3")
}
