// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package nft models nftables state declaratively: tables, chains, rules,
// maps, sets, and the batches that mutate them. The model round-trips
// through the libnftables JSON shapes so a batch can be executed in-process
// or shipped to a privileged agent over a socket unchanged.
package nft

// FamilyIPv4 is the only address family firewhale programs.
const FamilyIPv4 = "ip"

// Table identifies an nftables table.
type Table struct {
	Family string
	Name   string
}

// Chain identifies a regular chain within a table.
type Chain struct {
	Family string
	Table  string
	Name   string
}

// Rule is one rule in a chain. Handle is populated on rules read back from
// the kernel and is required for delete/replace.
type Rule struct {
	Family  string
	Table   string
	Chain   string
	Comment string
	Handle  uint64
	Exprs   []Expr
}

// Map identifies a typed map. MapType is the value type ("verdict" for the
// per-direction dispatch maps).
type Map struct {
	Family  string
	Table   string
	Name    string
	KeyType string
	MapType string
}

// Set identifies a typed set. Elements is only populated on "add set" items
// that create-and-fill in one step, and on sets read back from the kernel.
type Set struct {
	Family   string
	Table    string
	Name     string
	KeyType  string
	Elements []string
}

// Verdict is a map element value or rule terminal read back from the kernel.
type Verdict struct {
	Kind   string // jump, goto, return, drop, accept
	Target string
}

// MapElement is one key/verdict pair of a verdict map.
type MapElement struct {
	Key     string
	Verdict Verdict
}

// Element addresses elements of a named map or set. Exactly one of MapElems
// and SetElems is used, depending on what Name refers to.
type Element struct {
	Family   string
	Table    string
	Name     string
	MapElems []MapElement
	SetElems []string
}

// Object is a single object returned by a list operation.
type Object struct {
	Table    *Table
	Chain    *Chain
	Rule     *Rule
	Map      *Map
	MapElems []MapElement // populated alongside Map on "list map"
	Set      *Set
}

// RuleForChain returns a copy of r addressed to the given chain.
func RuleForChain(c Chain, r Rule) Rule {
	r.Family = c.Family
	r.Table = c.Table
	r.Chain = c.Name
	return r
}
