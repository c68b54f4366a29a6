package rowstore

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.rows")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestWidthInferredFromFirstRow(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.ResizeAxis0(4))
	assert.Equal(t, 0, s.Width())

	require.NoError(t, s.WriteRange(1, [][]float64{{1, 2, 3}, {4, 5, 6}}))
	assert.Equal(t, 3, s.Width())

	row, err := s.Row(2)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5, 6}, row)

	err = s.WriteRange(3, [][]float64{{1, 2}})
	assert.ErrorIs(t, err, ErrRowWidth)
}

func TestUnwrittenRowsAreNaN(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.ResizeAxis0(3))
	require.NoError(t, s.WriteRange(2, [][]float64{{7, 8}}))

	row, err := s.Row(0)
	require.NoError(t, err)
	require.Len(t, row, 2)
	assert.True(t, math.IsNaN(row[0]))
	assert.True(t, math.IsNaN(row[1]))
}

func TestResizeNeverShrinks(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.ResizeAxis0(10))
	require.NoError(t, s.ResizeAxis0(3))
	assert.Equal(t, uint64(10), s.Len())
}

func TestWriteOutOfRange(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.ResizeAxis0(2))

	err := s.WriteRange(1, [][]float64{{1}, {2}})
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = s.Row(5)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestGrowthPreservesRows(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.ResizeAxis0(1))
	require.NoError(t, s.WriteRange(0, [][]float64{{0.5, 1.5}}))

	for n := uint64(2); n <= 300; n++ {
		require.NoError(t, s.ResizeAxis0(n))
		require.NoError(t, s.WriteRange(n-1, [][]float64{{float64(n), -float64(n)}}))
	}

	row, err := s.Row(0)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1.5}, row)
	row, err = s.Row(199)
	require.NoError(t, err)
	assert.Equal(t, []float64{200, -200}, row)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.rows")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.ResizeAxis0(6))
	require.NoError(t, s.WriteRange(4, [][]float64{{1, 2, 3, 4}, {5, 6, 7, 8}}))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(6), reopened.Len())
	assert.Equal(t, 4, reopened.Width())
	row, err := reopened.Row(5)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 6, 7, 8}, row)

	require.NoError(t, reopened.ResizeAxis0(200))
	require.NoError(t, reopened.WriteRange(199, [][]float64{{9, 9, 9, 9}}))
	row, err = reopened.Row(4)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, row)
}

func TestClosedStore(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.ResizeAxis0(1), ErrClosed)
	assert.ErrorIs(t, s.WriteRange(0, [][]float64{{1}}), ErrClosed)
}
