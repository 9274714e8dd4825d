// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nft

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestItemWireShape(t *testing.T) {
	item := AddChain(Chain{Family: "ip", Table: "filter", Name: "firewhale"})
	data, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var shape map[string]map[string]map[string]any
	if err := json.Unmarshal(data, &shape); err != nil {
		t.Fatalf("wire shape is not op/kind/object: %s", data)
	}
	if shape["add"]["chain"]["name"] != "firewhale" {
		t.Errorf("unexpected wire form: %s", data)
	}
}

func TestRuleRoundTrip(t *testing.T) {
	rule := Rule{
		Family:  "ip",
		Table:   "filter",
		Chain:   "firewhale-container-abc-outbound",
		Comment: "[firewhale] test",
		Exprs: []Expr{
			Match{Op: "==", Left: Payload{Protocol: "ip", Field: "protocol"}, Right: ValueSet{Values: []any{"tcp", "udp"}}},
			Match{Op: "!=", Left: Payload{Protocol: "ip", Field: "daddr"}, Right: Prefix{Addr: "10.0.0.0", Len: 8}},
			Match{Op: "==", Left: Payload{Protocol: "ip", Field: "saddr"}, Right: SetRef{Name: "firewhale-service:api.web:ip"}},
			Match{Op: "==", Left: Payload{Protocol: "tcp", Field: "dport"}, Right: 53},
			Match{Op: "==", Left: Payload{Protocol: "ip", Field: "daddr"}, Right: Range{From: "10.0.0.1", To: "10.0.0.9"}},
			Match{Op: "in", Left: CT{Key: "state"}, Right: ValueSet{Values: []any{"established", "related"}}},
			Counter{},
			Log{Prefix: "fw", Level: "info"},
			Return{},
		},
	}

	data, err := json.Marshal(AddRule(rule))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var got Item
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.Op != OpAdd || got.Rule == nil {
		t.Fatalf("decoded wrong item: %+v", got)
	}
	if !reflect.DeepEqual(*got.Rule, rule) {
		t.Errorf("rule did not round-trip:\n got %#v\nwant %#v", *got.Rule, rule)
	}
}

func TestMapElementRoundTrip(t *testing.T) {
	item := AddElement(Element{
		Family: "ip",
		Table:  "filter",
		Name:   "firewhale-outbound",
		MapElems: []MapElement{
			{Key: "10.0.0.5", Verdict: Verdict{Kind: "jump", Target: "firewhale-container-abc-outbound"}},
		},
	})

	data, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var got Item
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(got.Element, item.Element) {
		t.Errorf("element did not round-trip:\n got %#v\nwant %#v", got.Element, item.Element)
	}
}

func TestVmapRoundTrip(t *testing.T) {
	rule := Rule{
		Family: "ip", Table: "filter", Chain: "firewhale",
		Exprs: []Expr{Vmap{Key: Payload{Protocol: "ip", Field: "daddr"}, Map: "firewhale-outbound"}},
	}
	data, _ := json.Marshal(AddRule(rule))
	var got Item
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(got.Rule.Exprs, rule.Exprs) {
		t.Errorf("vmap did not round-trip: %#v", got.Rule.Exprs)
	}
}

func TestCompactDropsEmptyElementItems(t *testing.T) {
	batch := Batch{
		DeleteElement(Element{Family: "ip", Table: "filter", Name: "firewhale-outbound"}),
		AddChain(Chain{Family: "ip", Table: "filter", Name: "x"}),
		DeleteElement(Element{Family: "ip", Table: "filter", Name: "s", SetElems: []string{"1.2.3.4"}}),
	}
	compacted := batch.Compact()
	if len(compacted) != 2 {
		t.Fatalf("expected 2 items after compaction, got %d", len(compacted))
	}
	if compacted[0].Chain == nil || compacted[1].Element == nil {
		t.Errorf("wrong items survived: %+v", compacted)
	}
}

func TestNormalizeTag(t *testing.T) {
	for in, want := range map[string]string{
		"firewhale":   "[firewhale]",
		"[firewhale]": "[firewhale]",
		"[firewhale":  "[firewhale]",
	} {
		if got := NormalizeTag(in); got != want {
			t.Errorf("NormalizeTag(%q) = %q, want %q", in, got, want)
		}
	}
}
