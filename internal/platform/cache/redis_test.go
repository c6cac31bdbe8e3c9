package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewAcceptsAddrAndURL(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := New(ctx, mr.Addr())
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	require.NoError(t, client.Close())

	client, err = New(ctx, "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	val, err := client.Get(ctx, "k").Result()
	require.NoError(t, err)
	require.Equal(t, "v", val)
	require.NoError(t, client.Close())
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(context.Background(), "redis://host:6379/notadb")
	require.Error(t, err)
}
