// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package nfttest provides an in-memory Transport that maintains a model
// ruleset, so controller and projector behavior can be asserted without a
// kernel.
package nfttest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Matchlighter/Firewhale/internal/nft"
)

type chainState struct {
	table string
	rules []nft.Rule
}

type mapState struct {
	table string
	elems map[string]nft.Verdict
}

type setState struct {
	table string
	elems map[string]bool
}

// Fake is an nft.Transport over an in-memory ruleset model.
type Fake struct {
	mu     sync.Mutex
	tables map[string]bool
	chains map[string]*chainState
	maps   map[string]*mapState
	sets   map[string]*setState

	nextHandle uint64
	connected  chan struct{}

	// FailNext makes the next mutating item fail with this error.
	FailNext error

	// Batches records every submitted batch after compaction.
	Batches []nft.Batch
}

var _ nft.Transport = (*Fake)(nil)

// New creates an empty fake transport.
func New() *Fake {
	return &Fake{
		tables:    make(map[string]bool),
		chains:    make(map[string]*chainState),
		maps:      make(map[string]*mapState),
		sets:      make(map[string]*setState),
		connected: make(chan struct{}, 1),
	}
}

// SignalConnected queues a connected event, as the engine attach would.
func (f *Fake) SignalConnected() {
	select {
	case f.connected <- struct{}{}:
	default:
	}
}

func (f *Fake) Connected() <-chan struct{} { return f.connected }

func (f *Fake) Close() error { return nil }

// Submit implements nft.Transport against the model.
func (f *Fake) Submit(_ context.Context, batch nft.Batch, mode nft.Mode) ([]nft.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	batch = batch.Compact()
	f.Batches = append(f.Batches, batch)

	var out []nft.Object
	for _, item := range batch {
		if item.Op == nft.OpList {
			objs, err := f.query(item)
			if err != nil {
				if mode == nft.BestEffort {
					continue
				}
				return out, err
			}
			out = append(out, objs...)
			continue
		}

		err := f.FailNext
		f.FailNext = nil
		if err == nil {
			err = f.apply(item)
		}
		if err != nil && mode != nft.BestEffort {
			return out, err
		}
	}
	return out, nil
}

func (f *Fake) apply(item nft.Item) error {
	switch {
	case item.Table != nil:
		return f.applyTable(item)
	case item.Chain != nil:
		return f.applyChain(item)
	case item.Rule != nil:
		return f.applyRule(item)
	case item.Map != nil:
		return f.applyMap(item)
	case item.Set != nil:
		return f.applySet(item)
	case item.Element != nil:
		return f.applyElement(item)
	}
	return fmt.Errorf("item %q has no object", item.Op)
}

func (f *Fake) applyTable(item nft.Item) error {
	switch item.Op {
	case nft.OpAdd:
		f.tables[item.Table.Name] = true
	case nft.OpDelete:
		if !f.tables[item.Table.Name] {
			return fmt.Errorf("table %s does not exist", item.Table.Name)
		}
		delete(f.tables, item.Table.Name)
	default:
		return fmt.Errorf("unsupported table op %q", item.Op)
	}
	return nil
}

func (f *Fake) applyChain(item nft.Item) error {
	name := item.Chain.Name
	switch item.Op {
	case nft.OpAdd:
		if _, ok := f.chains[name]; !ok {
			f.chains[name] = &chainState{table: item.Chain.Table}
		}
	case nft.OpFlush:
		ch, ok := f.chains[name]
		if !ok {
			return fmt.Errorf("chain %s does not exist", name)
		}
		ch.rules = nil
	case nft.OpDelete:
		if _, ok := f.chains[name]; !ok {
			return fmt.Errorf("chain %s does not exist", name)
		}
		delete(f.chains, name)
	default:
		return fmt.Errorf("unsupported chain op %q", item.Op)
	}
	return nil
}

func (f *Fake) applyRule(item nft.Item) error {
	ch, ok := f.chains[item.Rule.Chain]
	if !ok {
		return fmt.Errorf("chain %s does not exist", item.Rule.Chain)
	}

	switch item.Op {
	case nft.OpAdd, nft.OpInsert:
		r := *item.Rule
		f.nextHandle++
		r.Handle = f.nextHandle
		if item.Op == nft.OpAdd {
			ch.rules = append(ch.rules, r)
		} else {
			ch.rules = append([]nft.Rule{r}, ch.rules...)
		}
	case nft.OpReplace:
		for i := range ch.rules {
			if ch.rules[i].Handle == item.Rule.Handle {
				ch.rules[i] = *item.Rule
				return nil
			}
		}
		return fmt.Errorf("rule handle %d not found", item.Rule.Handle)
	case nft.OpDelete:
		for i := range ch.rules {
			if ch.rules[i].Handle == item.Rule.Handle {
				ch.rules = append(ch.rules[:i], ch.rules[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("rule handle %d not found", item.Rule.Handle)
	default:
		return fmt.Errorf("unsupported rule op %q", item.Op)
	}
	return nil
}

func (f *Fake) applyMap(item nft.Item) error {
	name := item.Map.Name
	switch item.Op {
	case nft.OpAdd:
		if _, ok := f.maps[name]; !ok {
			f.maps[name] = &mapState{table: item.Map.Table, elems: make(map[string]nft.Verdict)}
		}
	case nft.OpFlush:
		m, ok := f.maps[name]
		if !ok {
			return fmt.Errorf("map %s does not exist", name)
		}
		m.elems = make(map[string]nft.Verdict)
	case nft.OpDelete:
		if _, ok := f.maps[name]; !ok {
			return fmt.Errorf("map %s does not exist", name)
		}
		delete(f.maps, name)
	default:
		return fmt.Errorf("unsupported map op %q", item.Op)
	}
	return nil
}

func (f *Fake) applySet(item nft.Item) error {
	name := item.Set.Name
	switch item.Op {
	case nft.OpAdd:
		s, ok := f.sets[name]
		if !ok {
			s = &setState{table: item.Set.Table, elems: make(map[string]bool)}
			f.sets[name] = s
		}
		for _, e := range item.Set.Elements {
			s.elems[e] = true
		}
	case nft.OpDelete:
		if _, ok := f.sets[name]; !ok {
			return fmt.Errorf("set %s does not exist", name)
		}
		delete(f.sets, name)
	case nft.OpFlush:
		s, ok := f.sets[name]
		if !ok {
			return fmt.Errorf("set %s does not exist", name)
		}
		s.elems = make(map[string]bool)
	default:
		return fmt.Errorf("unsupported set op %q", item.Op)
	}
	return nil
}

func (f *Fake) applyElement(item nft.Item) error {
	name := item.Element.Name

	if m, ok := f.maps[name]; ok {
		switch item.Op {
		case nft.OpAdd:
			for _, me := range item.Element.MapElems {
				m.elems[me.Key] = me.Verdict
			}
		case nft.OpDelete:
			for _, me := range item.Element.MapElems {
				if _, ok := m.elems[me.Key]; !ok {
					return fmt.Errorf("element %s not in map %s", me.Key, name)
				}
				delete(m.elems, me.Key)
			}
			for _, key := range item.Element.SetElems {
				if _, ok := m.elems[key]; !ok {
					return fmt.Errorf("element %s not in map %s", key, name)
				}
				delete(m.elems, key)
			}
		default:
			return fmt.Errorf("unsupported element op %q", item.Op)
		}
		return nil
	}

	if s, ok := f.sets[name]; ok {
		switch item.Op {
		case nft.OpAdd:
			for _, e := range item.Element.SetElems {
				s.elems[e] = true
			}
		case nft.OpDelete:
			for _, e := range item.Element.SetElems {
				if !s.elems[e] {
					return fmt.Errorf("element %s not in set %s", e, name)
				}
				delete(s.elems, e)
			}
		default:
			return fmt.Errorf("unsupported element op %q", item.Op)
		}
		return nil
	}

	return fmt.Errorf("set or map %s does not exist", name)
}

func (f *Fake) query(item nft.Item) ([]nft.Object, error) {
	switch {
	case item.Table != nil:
		if !f.tables[item.Table.Name] {
			return nil, fmt.Errorf("table %s does not exist", item.Table.Name)
		}
		var out []nft.Object
		out = append(out, nft.Object{Table: &nft.Table{Family: nft.FamilyIPv4, Name: item.Table.Name}})
		for _, name := range sortedKeys(f.chains) {
			ch := f.chains[name]
			if ch.table != item.Table.Name {
				continue
			}
			out = append(out, nft.Object{Chain: &nft.Chain{Family: nft.FamilyIPv4, Table: ch.table, Name: name}})
		}
		for _, name := range sortedKeys(f.maps) {
			m := f.maps[name]
			if m.table != item.Table.Name {
				continue
			}
			out = append(out, nft.Object{Map: &nft.Map{Family: nft.FamilyIPv4, Table: m.table, Name: name, KeyType: "ipv4_addr", MapType: "verdict"}})
		}
		for _, name := range sortedKeys(f.sets) {
			s := f.sets[name]
			if s.table != item.Table.Name {
				continue
			}
			out = append(out, nft.Object{Set: &nft.Set{Family: nft.FamilyIPv4, Table: s.table, Name: name, KeyType: "ipv4_addr"}})
		}
		return out, nil

	case item.Chain != nil:
		ch, ok := f.chains[item.Chain.Name]
		if !ok {
			return nil, fmt.Errorf("chain %s does not exist", item.Chain.Name)
		}
		out := []nft.Object{{Chain: &nft.Chain{Family: nft.FamilyIPv4, Table: ch.table, Name: item.Chain.Name}}}
		for i := range ch.rules {
			r := ch.rules[i]
			out = append(out, nft.Object{Rule: &r})
		}
		return out, nil

	case item.Map != nil:
		m, ok := f.maps[item.Map.Name]
		if !ok {
			return nil, fmt.Errorf("map %s does not exist", item.Map.Name)
		}
		obj := nft.Object{Map: &nft.Map{Family: nft.FamilyIPv4, Table: m.table, Name: item.Map.Name, KeyType: "ipv4_addr", MapType: "verdict"}}
		for _, key := range sortedKeys(m.elems) {
			obj.MapElems = append(obj.MapElems, nft.MapElement{Key: key, Verdict: m.elems[key]})
		}
		return []nft.Object{obj}, nil
	}
	return nil, fmt.Errorf("unsupported list target")
}

// --- inspection helpers for tests ---

// BatchCount returns how many batches have been submitted.
func (f *Fake) BatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Batches)
}

// HasChain reports whether the chain exists.
func (f *Fake) HasChain(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.chains[name]
	return ok
}

// ChainNames returns every chain name, sorted.
func (f *Fake) ChainNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.chains)
}

// ChainRules returns the rules of a chain.
func (f *Fake) ChainRules(name string) []nft.Rule {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.chains[name]
	if !ok {
		return nil
	}
	return append([]nft.Rule(nil), ch.rules...)
}

// MapElements returns a copy of a map's elements.
func (f *Fake) MapElements(name string) map[string]nft.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.maps[name]
	if !ok {
		return nil
	}
	out := make(map[string]nft.Verdict, len(m.elems))
	for k, v := range m.elems {
		out[k] = v
	}
	return out
}

// HasSet reports whether the set exists.
func (f *Fake) HasSet(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sets[name]
	return ok
}

// SetElements returns a sorted copy of a set's elements, or nil if the set
// does not exist.
func (f *Fake) SetElements(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[name]
	if !ok {
		return nil
	}
	elems := sortedKeys(s.elems)
	return elems
}

// Dump renders the whole model as a stable string, for state comparisons.
func (f *Fake) Dump() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var b strings.Builder
	for _, t := range sortedKeys(f.tables) {
		fmt.Fprintf(&b, "table %s\n", t)
	}
	for _, name := range sortedKeys(f.chains) {
		ch := f.chains[name]
		fmt.Fprintf(&b, "chain %s/%s\n", ch.table, name)
		for _, r := range ch.rules {
			fmt.Fprintf(&b, "  rule %q %#v\n", r.Comment, r.Exprs)
		}
	}
	for _, name := range sortedKeys(f.maps) {
		m := f.maps[name]
		fmt.Fprintf(&b, "map %s/%s\n", m.table, name)
		for _, key := range sortedKeys(m.elems) {
			v := m.elems[key]
			fmt.Fprintf(&b, "  %s -> %s %s\n", key, v.Kind, v.Target)
		}
	}
	for _, name := range sortedKeys(f.sets) {
		s := f.sets[name]
		fmt.Fprintf(&b, "set %s/%s { %s }\n", s.table, name, strings.Join(sortedKeys(s.elems), ", "))
	}
	return b.String()
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
