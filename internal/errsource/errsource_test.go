package errsource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hanpama/loadcore/internal/loaderr"
	"github.com/stretchr/testify/require"
)

func TestSucceed(t *testing.T) {
	s := New(Succeed("ok"))
	s = s.Load("k", 1).Load("k", 2)
	s = s.Run(context.Background())
	oc := s.Fetch("k", 1)
	require.True(t, oc.OK)
	require.Equal(t, "ok", oc.Value)
}

func TestFail(t *testing.T) {
	boom := errors.New("boom")
	s := New(Fail(boom))
	s = s.Load("k", 1)
	s = s.Run(context.Background())
	oc := s.Fetch("k", 1)
	require.False(t, oc.OK)
	require.ErrorIs(t, oc.Err, boom)
	require.True(t, loaderr.IsKind(oc.Err, loaderr.KindBatch))
}

func TestPanicIsIsolated(t *testing.T) {
	s := New(Panic("kaboom"))
	s = s.Load("k", 1)
	require.NotPanics(t, func() {
		s = s.Run(context.Background())
	})
	oc := s.Fetch("k", 1)
	require.False(t, oc.OK)
}

func TestSleepTimesOut(t *testing.T) {
	s := New(Sleep(time.Second, "too slow"), WithTimeout(10*time.Millisecond))
	s = s.Load("k", 1)
	start := time.Now()
	s = s.Run(context.Background())
	require.Less(t, time.Since(start), 500*time.Millisecond)
	oc := s.Fetch("k", 1)
	require.False(t, oc.OK)
}
