package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGet_UnreachableServerIsError(t *testing.T) {
	s := New("127.0.0.1:1", "", 0)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, ok, err := s.Get(ctx, "k")
	require.Error(t, err)
	require.False(t, ok)
	require.Error(t, s.Ping(ctx))
}
