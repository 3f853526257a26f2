// Package esm disables the event-source binding feeding the consumer. A
// fatal error means redelivering records cannot help, so the consumer stops
// the stream-to-function plumbing itself and leaves the records in the stream
// for an operator to resume once the cause is fixed.
package esm

import (
	"context"
	"sync"

	"goa.design/shardflow/telemetry"
)

type (
	// Mapping identifies one event-source binding of the consumer function.
	Mapping struct {
		// UUID uniquely identifies the binding.
		UUID string
		// EventSourceARN is the stream the binding reads from.
		EventSourceARN string
		// Enabled reports whether the binding currently delivers records.
		Enabled bool
	}

	// ControlPlane lists and disables event-source bindings.
	ControlPlane interface {
		ListMappings(ctx context.Context, functionName string) ([]*Mapping, error)
		DisableMapping(ctx context.Context, uuid string) error
	}

	// Disabler disables the bindings of one consumer function. Bindings
	// disabled once are cached per process so repeated fatal errors within
	// the same runtime do not hammer the control plane.
	Disabler struct {
		cp           ControlPlane
		functionName string
		sourceARN    string
		logger       telemetry.Logger

		mu       sync.Mutex
		disabled map[string]bool
	}
)

// NewDisabler constructs a disabler for the given function. When sourceARN is
// non-blank only bindings reading from that stream are disabled; other event
// sources of the function keep delivering.
func NewDisabler(cp ControlPlane, functionName, sourceARN string, logger telemetry.Logger) *Disabler {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Disabler{
		cp:           cp,
		functionName: functionName,
		sourceARN:    sourceARN,
		logger:       logger,
		disabled:     make(map[string]bool),
	}
}

// Disable disables every matching binding of the function. With avoidCache
// set, bindings disabled earlier in this process are disabled again, covering
// an operator re-enabling a binding while the fatal condition persists.
// Returns the number of bindings disabled. Disable never fails the caller's
// own error handling: control-plane failures are logged and counted as not
// disabled.
func (d *Disabler) Disable(ctx context.Context, avoidCache bool) int {
	mappings, err := d.cp.ListMappings(ctx, d.functionName)
	if err != nil {
		d.logger.Error(ctx, "list event-source bindings failed, records remain deliverable",
			"function", d.functionName, "err", err)
		return 0
	}

	n := 0
	for _, m := range mappings {
		if d.sourceARN != "" && m.EventSourceARN != d.sourceARN {
			continue
		}
		if !m.Enabled {
			continue
		}
		d.mu.Lock()
		seen := d.disabled[m.UUID]
		d.mu.Unlock()
		if seen && !avoidCache {
			continue
		}
		if err := d.cp.DisableMapping(ctx, m.UUID); err != nil {
			d.logger.Error(ctx, "disable event-source binding failed",
				"function", d.functionName, "uuid", m.UUID, "err", err)
			continue
		}
		d.mu.Lock()
		d.disabled[m.UUID] = true
		d.mu.Unlock()
		d.logger.Warn(ctx, "event-source binding disabled",
			"function", d.functionName, "uuid", m.UUID, "eventSourceArn", m.EventSourceARN)
		n++
	}
	return n
}
