// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nft

import "context"

// Mode controls how a Transport reacts to engine-reported errors.
type Mode int

const (
	// Strict aborts the batch on the first error and surfaces it.
	Strict Mode = iota
	// BestEffort applies items individually; failures are logged and the
	// sequence continues. Used on teardown and cleanup paths where partial
	// state is expected.
	BestEffort
)

// WireThrow returns the mode's encoding in the agent protocol.
func (m Mode) WireThrow() any {
	if m == BestEffort {
		return "continue"
	}
	return true
}

// ModeFromWire maps a protocol "throw" value back to a Mode.
func ModeFromWire(throw any) Mode {
	switch throw {
	case "continue", false:
		return BestEffort
	default:
		return Strict
	}
}

// Transport submits declarative batches to the kernel firewall engine.
//
// Implementations: the in-process netlink transport, and the socket-bridged
// transport backed by a privileged agent.
type Transport interface {
	// Submit applies the batch. In Strict mode the batch is atomic; the
	// returned objects are the results of any list operations, in order.
	Submit(ctx context.Context, batch Batch, mode Mode) ([]Object, error)

	// Connected yields a signal on every successful (re)attach of the
	// underlying engine connection. The in-process transport signals once
	// at startup.
	Connected() <-chan struct{}

	Close() error
}
