// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nft

// Expr is one node of a rule's expression list. Concrete types mirror the
// libnftables statement vocabulary firewhale emits.
type Expr interface {
	isExpr()
}

// Match compares a loaded value against an operand.
//
// Left is a Payload or CT. Right is one of: string (address or protocol
// name), int (port or protocol number), Prefix, Range, ValueSet, or SetRef
// (named set reference).
type Match struct {
	Op    string // "==", "!=", "in"
	Left  any
	Right any
}

// Payload loads a header field (left-hand side of a Match, or a Vmap key).
type Payload struct {
	Protocol string // "ip", "tcp", "udp"
	Field    string // "saddr", "daddr", "protocol", "sport", "dport"
}

// CT loads a conntrack key.
type CT struct {
	Key string // "state"
}

// Prefix is a CIDR operand.
type Prefix struct {
	Addr string
	Len  int
}

// Range is an inclusive value range operand.
type Range struct {
	From string
	To   string
}

// ValueSet is an anonymous set operand ({ tcp, udp } or a port list).
type ValueSet struct {
	Values []any
}

// SetRef references a named kernel set by name (serialized as "@name").
type SetRef struct {
	Name string
}

// Counter counts packets and bytes traversing the rule.
type Counter struct{}

// Log emits a kernel log line with the given prefix.
type Log struct {
	Prefix string
	Level  string
}

// Vmap dispatches to the verdict stored in a named map under the loaded key.
type Vmap struct {
	Key any // Payload
	Map string
}

// Jump continues evaluation in the target chain, returning here afterwards.
type Jump struct {
	Target string
}

// Goto transfers evaluation to the target chain without returning.
type Goto struct {
	Target string
}

// Return ends evaluation of the current chain.
type Return struct{}

// Drop discards the packet.
type Drop struct{}

func (Match) isExpr()   {}
func (Counter) isExpr() {}
func (Log) isExpr()     {}
func (Vmap) isExpr()    {}
func (Jump) isExpr()    {}
func (Goto) isExpr()    {}
func (Return) isExpr()  {}
func (Drop) isExpr()    {}
