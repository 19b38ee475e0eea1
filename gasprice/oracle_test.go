package gasprice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPercentileIndex(t *testing.T) {
	require.Equal(t, 0, percentileIndex(1, 60))
	require.Equal(t, 2, percentileIndex(5, 60))
	require.Equal(t, 5, percentileIndex(10, 60))
	require.Equal(t, 0, percentileIndex(10, 0))
	require.Equal(t, 9, percentileIndex(10, 100))
}
