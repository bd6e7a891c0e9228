package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStartsEmpty(t *testing.T) {
	sb, err := New(1 << 20)
	require.NoError(t, err)
	defer sb.(*mmapSandbox).Close()

	assert.Equal(t, 0, sb.Size())
	assert.Equal(t, sb.Lo()-1, sb.Hi())
}

func TestExtendGrowsMonotonically(t *testing.T) {
	sb, err := New(1 << 20)
	require.NoError(t, err)
	defer sb.(*mmapSandbox).Close()

	lo := sb.Lo()
	granted, err := sb.Extend(100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, granted, 100)
	assert.Equal(t, lo, sb.Lo(), "Lo must never move")
	assert.Equal(t, granted, sb.Size())

	granted2, err := sb.Extend(1)
	require.NoError(t, err)
	assert.Equal(t, lo, sb.Lo())
	assert.Equal(t, granted+granted2, sb.Size())
}

func TestExtendRejectsPastCeiling(t *testing.T) {
	sb, err := New(4096)
	require.NoError(t, err)
	defer sb.(*mmapSandbox).Close()

	_, err = sb.Extend(1 << 20)
	assert.ErrorIs(t, err, ErrCeilingExceeded)
}

func TestExtendRejectsNonPositiveDelta(t *testing.T) {
	sb, err := New(4096)
	require.NoError(t, err)
	defer sb.(*mmapSandbox).Close()

	_, err = sb.Extend(0)
	assert.Error(t, err)
	_, err = sb.Extend(-1)
	assert.Error(t, err)
}
