// Package host abstracts the invocation environment the consumer runs in:
// how much time the current invocation has left and how the running function
// identifies itself. The consumer core only ever sees this interface; the
// lambdahost subpackage binds it to AWS Lambda.
package host

import (
	"context"
	"time"
)

type (
	// Identity names the running consumer function.
	Identity struct {
		// FunctionName is the deployed function's name.
		FunctionName string
		// Alias is the invoked qualifier, when one was used.
		Alias string
		// ARN is the fully qualified invoked function ARN.
		ARN string
	}

	// Runtime exposes the invocation environment.
	Runtime interface {
		// Remaining returns how much execution time the current
		// invocation has left. Phase deadlines are carved out of it.
		Remaining(ctx context.Context) time.Duration
		// Identity returns the running function's identity.
		Identity(ctx context.Context) Identity
	}

	// FixedRuntime is a Runtime with static values, for tests and
	// non-Lambda hosts.
	FixedRuntime struct {
		// Deadline is the absolute invocation deadline. When zero,
		// RemainingTime is returned instead.
		Deadline time.Time
		// RemainingTime is the fixed remaining duration used when
		// Deadline is zero.
		RemainingTime time.Duration
		// Ident is the returned identity.
		Ident Identity
	}
)

// Remaining implements Runtime.
func (r *FixedRuntime) Remaining(context.Context) time.Duration {
	if !r.Deadline.IsZero() {
		return time.Until(r.Deadline)
	}
	return r.RemainingTime
}

// Identity implements Runtime.
func (r *FixedRuntime) Identity(context.Context) Identity { return r.Ident }
