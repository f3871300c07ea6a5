package loaderr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesKindOnly(t *testing.T) {
	err := UnknownBatch("users")
	require.True(t, errors.Is(err, Lookup))
	require.False(t, errors.Is(err, Timeout))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := BatchFailure(cause)
	require.ErrorIs(t, err, cause)
	require.True(t, errors.Is(err, Batch))
}

func TestIsKind(t *testing.T) {
	require.True(t, IsKind(TimeoutFailure(errors.New("deadline")), KindTimeout))
	require.False(t, IsKind(TimeoutFailure(errors.New("deadline")), KindBatch))
	require.False(t, IsKind(errors.New("plain"), KindBatch))
}

func TestMultipleResultsFailure(t *testing.T) {
	err := MultipleResultsFailure("email", "a@example.com", 2)
	require.True(t, errors.Is(err, MultipleResults))
	require.Contains(t, err.Error(), "email")
}

func TestAggregate(t *testing.T) {
	require.Nil(t, Aggregate(nil))

	err := Aggregate(map[string]error{
		"users": errors.New("boom"),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "users")
	require.Contains(t, err.Error(), "boom")
}

func TestGetFailureUnwrap(t *testing.T) {
	cause := errors.New("boom")
	gf := &GetFailure{Source: "users", BatchKey: "by_id", ItemKey: 1, Cause: cause}
	require.ErrorIs(t, gf, cause)
	require.Contains(t, gf.Error(), "users")
}
