// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nft

// Op is a batch item operation.
type Op string

const (
	OpAdd     Op = "add"
	OpDelete  Op = "delete"
	OpFlush   Op = "flush"
	OpInsert  Op = "insert"
	OpReplace Op = "replace"
	OpList    Op = "list"
)

// Item is one operation of a batch. Exactly one object field is set.
type Item struct {
	Op      Op
	Table   *Table
	Chain   *Chain
	Rule    *Rule
	Map     *Map
	Set     *Set
	Element *Element
}

// Batch is an ordered list of operations submitted to a Transport as a unit.
type Batch []Item

// noop reports whether the item would do nothing (an element operation with
// an empty element list). Such items are dropped rather than submitted; the
// kernel rejects empty element lists but cleanup paths legitimately produce
// them.
func (i Item) noop() bool {
	if i.Element == nil {
		return false
	}
	return len(i.Element.MapElems) == 0 && len(i.Element.SetElems) == 0
}

// Compact returns the batch with no-op items removed.
func (b Batch) Compact() Batch {
	out := b[:0:0]
	for _, item := range b {
		if !item.noop() {
			out = append(out, item)
		}
	}
	return out
}

func AddTable(t Table) Item    { return Item{Op: OpAdd, Table: &t} }
func DeleteTable(t Table) Item { return Item{Op: OpDelete, Table: &t} }

func AddChain(c Chain) Item    { return Item{Op: OpAdd, Chain: &c} }
func FlushChain(c Chain) Item  { return Item{Op: OpFlush, Chain: &c} }
func DeleteChain(c Chain) Item { return Item{Op: OpDelete, Chain: &c} }

func AddRule(r Rule) Item     { return Item{Op: OpAdd, Rule: &r} }
func InsertRule(r Rule) Item  { return Item{Op: OpInsert, Rule: &r} }
func ReplaceRule(r Rule) Item { return Item{Op: OpReplace, Rule: &r} }
func DeleteRule(r Rule) Item  { return Item{Op: OpDelete, Rule: &r} }

func AddMap(m Map) Item    { return Item{Op: OpAdd, Map: &m} }
func FlushMap(m Map) Item  { return Item{Op: OpFlush, Map: &m} }
func DeleteMap(m Map) Item { return Item{Op: OpDelete, Map: &m} }

func AddSet(s Set) Item    { return Item{Op: OpAdd, Set: &s} }
func DeleteSet(s Set) Item { return Item{Op: OpDelete, Set: &s} }

func AddElement(e Element) Item    { return Item{Op: OpAdd, Element: &e} }
func DeleteElement(e Element) Item { return Item{Op: OpDelete, Element: &e} }

// ListTable lists every chain, map and set of a table.
func ListTable(t Table) Item { return Item{Op: OpList, Table: &t} }

// ListChain lists the rules of a chain.
func ListChain(c Chain) Item { return Item{Op: OpList, Chain: &c} }

// ListMap lists the elements of a map.
func ListMap(m Map) Item { return Item{Op: OpList, Map: &m} }
