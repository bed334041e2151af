package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTAPPoolAllocateReleaseAndCapacity(t *testing.T) {
	pool := NewTAPPool(&NetworkConfig{Capacity: 2})

	d1, err := pool.Allocate()
	require.NoError(t, err)
	d2, err := pool.Allocate()
	require.NoError(t, err)
	require.NotEqual(t, d1.Name, d2.Name)

	_, err = pool.Allocate()
	require.ErrorIs(t, err, ErrNoCapacity)

	pool.Release(d1.Name)
	d3, err := pool.Allocate()
	require.NoError(t, err)
	require.Equal(t, d1.Name, d3.Name)
}

func TestDeterministicMACIsLocallyAdministeredUnicast(t *testing.T) {
	pool := NewTAPPool(&NetworkConfig{Capacity: 4})
	d, err := pool.Allocate()
	require.NoError(t, err)
	require.Equal(t, "02:00:00:00:00:00", d.MAC)

	for i := 0; i < 2; i++ {
		_, err := pool.Allocate()
		require.NoError(t, err)
	}
	d4, err := pool.Allocate()
	require.NoError(t, err)
	require.Equal(t, "02:00:00:00:00:03", d4.MAC)
}

func TestReleaseUnknownNameIsNoop(t *testing.T) {
	pool := NewTAPPool(&NetworkConfig{Capacity: 1})
	require.NotPanics(t, func() { pool.Release("does-not-exist") })
}
