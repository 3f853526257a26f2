package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	cause := errors.New("boom")

	fe := Fatal("", cause)
	assert.Equal(t, "fatal: boom", fe.Error())
	assert.Equal(t, cause, fe.Unwrap())

	assert.Equal(t, "fatal: missing table foo", Fatalf("missing table %s", "foo").Error())
	assert.Equal(t, "transient: throttled", Transient("throttled", nil).Error())
	assert.Equal(t, "rejected: rejected", Reject("", nil).Error())
	assert.Equal(t, "timeout: timed out", Timeout("", false, nil).Error())
	assert.Equal(t, "timeout (reversible): deadline", Timeout("deadline", true, nil).Error())
}

func TestClassifiersTraverseChains(t *testing.T) {
	cause := errors.New("boom")
	wrapped := fmt.Errorf("outer: %w", Transient("throttled", cause))

	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsFatal(wrapped))
	assert.True(t, errors.Is(wrapped, cause))

	// A fatal wrapping a transient is both: classification reads roles, not
	// the outermost type.
	both := Fatal("gave up", Transient("throttled", nil))
	assert.True(t, IsFatal(both))
	assert.True(t, IsTransient(both))

	require.False(t, IsFatal(nil))
	require.False(t, IsRejection(errors.New("plain")))
}

func TestTimeoutReversibility(t *testing.T) {
	var to *TimeoutError
	err := fmt.Errorf("phase: %w", Timeout("deadline", true, nil))
	require.True(t, errors.As(err, &to))
	assert.True(t, to.Reversible)
	assert.True(t, IsTimeout(err))
}

func TestRejectionReason(t *testing.T) {
	assert.Equal(t, "", RejectionReason(nil))
	assert.Equal(t, "", RejectionReason(errors.New("plain")))
	assert.Equal(t, "malformed", RejectionReason(fmt.Errorf("wrap: %w", Reject("malformed", nil))))
}
