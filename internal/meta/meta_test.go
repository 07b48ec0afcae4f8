package meta

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectIDEncodeParse(t *testing.T) {
	id := ObjectID{Bucket: "b", Key: "dir/k", Version: "v1"}
	got, err := ParseObjectID(id.Encode())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	nullVersion := ObjectID{Bucket: "b", Key: "k"}
	got, err = ParseObjectID(nullVersion.Encode())
	require.NoError(t, err)
	assert.Equal(t, nullVersion, got)

	_, err = ParseObjectID("no-separators")
	assert.Error(t, err)
	_, err = ParseObjectID("\x00k\x00")
	assert.Error(t, err)
}

func TestStatePhase(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateHot, "Hot"},
		{StateColdPending, "ColdPending"},
		{StateCold, "Cold"},
		{State{ClassCold, RestoreExpired}, "Cold"},
		{State{ClassCold, RestoreFailed}, "Cold"},
		{State{ClassCold, RestorePending}, "Restoring"},
		{State{ClassCold, RestoreInProgress}, "Restoring"},
		{State{ClassCold, RestoreCompleted}, "RestoreReady"},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.Phase())
		})
	}
}

func TestObjectClone(t *testing.T) {
	exp := time.Now()
	o := &Object{TapeSet: []string{"T1"}, RestoreExpireAt: &exp}
	c := o.Clone()
	c.TapeSet[0] = "T2"
	*c.RestoreExpireAt = exp.Add(time.Hour)
	assert.Equal(t, "T1", o.TapeSet[0])
	assert.Equal(t, exp, *o.RestoreExpireAt)
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "ObjectNotFound", Kind(fmt.Errorf("get: %w", ErrObjectNotFound)))
	assert.Equal(t, "CacheTooSmall", Kind(fmt.Errorf("put: %w", ErrCacheTooSmall)))
	assert.Equal(t, "Timeout", Kind(context.DeadlineExceeded))
	assert.Equal(t, "Cancelled", Kind(context.Canceled))
	assert.Equal(t, "Internal", Kind(fmt.Errorf("boom")))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return ErrMetadataUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(ctx, 5, time.Millisecond, func() error {
		calls++
		return ErrObjectNotFound
	})
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.Equal(t, 1, calls, "non-transient errors are not retried")

	calls = 0
	err = Retry(ctx, 2, time.Millisecond, func() error {
		calls++
		return ErrMetadataUnavailable
	})
	assert.ErrorIs(t, err, ErrMetadataUnavailable)
	assert.Equal(t, 2, calls)
}
