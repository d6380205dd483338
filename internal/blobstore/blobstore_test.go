package blobstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrips(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	key, err := s.Put([]byte("hello state"))
	require.NoError(t, err)
	require.True(t, s.Has(key))

	got, err := s.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("hello state"), got)
}

func TestPutIsContentAddressedAndIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	k1, err := s.Put([]byte("same bytes"))
	require.NoError(t, err)
	k2, err := s.Put([]byte("same bytes"))
	require.NoError(t, err)
	require.Equal(t, k1, k2)
}

func TestDeleteRemovesBlob(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	key, err := s.Put([]byte("transient"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(key))
	require.False(t, s.Has(key))
	require.NoError(t, s.Delete(key)) // deleting again is a no-op
}

func TestGetUnknownKeyErrors(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get("deadbeef")
	require.Error(t, err)
}
