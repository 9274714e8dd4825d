// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nft

import (
	"encoding/json"
	"fmt"
)

// The wire form of batches and objects is the libnftables JSON schema:
// items are {"<op>": {"<kind>": {...}}}, rules carry an "expr" array of
// single-key statement objects. The agent protocol ships these shapes
// verbatim in both directions.

// MarshalJSON encodes the item as {"op": {"kind": object}}.
func (i Item) MarshalJSON() ([]byte, error) {
	kind, obj, err := i.wireObject()
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{string(i.Op): map[string]any{kind: obj}})
}

func (i Item) wireObject() (string, any, error) {
	switch {
	case i.Table != nil:
		return "table", map[string]any{"family": i.Table.Family, "name": i.Table.Name}, nil
	case i.Chain != nil:
		return "chain", chainWire(*i.Chain), nil
	case i.Rule != nil:
		return "rule", ruleWire(*i.Rule), nil
	case i.Map != nil:
		m := map[string]any{"family": i.Map.Family, "table": i.Map.Table, "name": i.Map.Name}
		if i.Map.KeyType != "" {
			m["type"] = i.Map.KeyType
			m["map"] = i.Map.MapType
		}
		return "map", m, nil
	case i.Set != nil:
		s := map[string]any{"family": i.Set.Family, "table": i.Set.Table, "name": i.Set.Name}
		if i.Set.KeyType != "" {
			s["type"] = i.Set.KeyType
		}
		if i.Set.Elements != nil {
			s["elem"] = i.Set.Elements
		}
		return "set", s, nil
	case i.Element != nil:
		e := map[string]any{"family": i.Element.Family, "table": i.Element.Table, "name": i.Element.Name}
		if i.Element.MapElems != nil {
			elems := make([]any, 0, len(i.Element.MapElems))
			for _, me := range i.Element.MapElems {
				elems = append(elems, []any{me.Key, verdictWire(me.Verdict)})
			}
			e["elem"] = elems
		} else {
			e["elem"] = i.Element.SetElems
		}
		return "element", e, nil
	}
	return "", nil, fmt.Errorf("item %q has no object", i.Op)
}

func chainWire(c Chain) map[string]any {
	return map[string]any{"family": c.Family, "table": c.Table, "name": c.Name}
}

func ruleWire(r Rule) map[string]any {
	w := map[string]any{
		"family": r.Family,
		"table":  r.Table,
		"chain":  r.Chain,
	}
	if r.Comment != "" {
		w["comment"] = r.Comment
	}
	if r.Handle != 0 {
		w["handle"] = r.Handle
	}
	exprs := make([]any, 0, len(r.Exprs))
	for _, e := range r.Exprs {
		exprs = append(exprs, exprWire(e))
	}
	w["expr"] = exprs
	return w
}

func verdictWire(v Verdict) any {
	switch v.Kind {
	case "jump", "goto":
		return map[string]any{v.Kind: map[string]any{"target": v.Target}}
	default:
		return map[string]any{v.Kind: nil}
	}
}

func exprWire(e Expr) any {
	switch x := e.(type) {
	case Match:
		return map[string]any{"match": map[string]any{
			"op":    x.Op,
			"left":  operandWire(x.Left),
			"right": operandWire(x.Right),
		}}
	case Counter:
		return map[string]any{"counter": nil}
	case Log:
		return map[string]any{"log": map[string]any{"prefix": x.Prefix, "level": x.Level}}
	case Vmap:
		return map[string]any{"vmap": map[string]any{
			"key":  operandWire(x.Key),
			"data": "@" + x.Map,
		}}
	case Jump:
		return map[string]any{"jump": map[string]any{"target": x.Target}}
	case Goto:
		return map[string]any{"goto": map[string]any{"target": x.Target}}
	case Return:
		return map[string]any{"return": nil}
	case Drop:
		return map[string]any{"drop": nil}
	}
	return nil
}

func operandWire(op any) any {
	switch v := op.(type) {
	case Payload:
		return map[string]any{"payload": map[string]any{"protocol": v.Protocol, "field": v.Field}}
	case CT:
		return map[string]any{"ct": map[string]any{"key": v.Key}}
	case Prefix:
		return map[string]any{"prefix": map[string]any{"addr": v.Addr, "len": v.Len}}
	case Range:
		return map[string]any{"range": []any{v.From, v.To}}
	case ValueSet:
		vals := make([]any, 0, len(v.Values))
		for _, e := range v.Values {
			vals = append(vals, operandWire(e))
		}
		return map[string]any{"set": vals}
	case SetRef:
		return "@" + v.Name
	default:
		return v
	}
}

// UnmarshalJSON decodes {"op": {"kind": object}}.
func (i *Item) UnmarshalJSON(data []byte) error {
	var outer map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return err
	}
	if len(outer) != 1 {
		return fmt.Errorf("batch item must have exactly one operation, got %d", len(outer))
	}
	for op, inner := range outer {
		i.Op = Op(op)
		if len(inner) != 1 {
			return fmt.Errorf("batch item %q must have exactly one object", op)
		}
		for kind, raw := range inner {
			return i.decodeObject(kind, raw)
		}
	}
	return nil
}

func (i *Item) decodeObject(kind string, raw json.RawMessage) error {
	switch kind {
	case "table":
		i.Table = &Table{}
		return json.Unmarshal(raw, &struct {
			Family *string `json:"family"`
			Name   *string `json:"name"`
		}{&i.Table.Family, &i.Table.Name})
	case "chain":
		c, err := chainFromWire(raw)
		if err != nil {
			return err
		}
		i.Chain = &c
		return nil
	case "rule":
		r, err := ruleFromWire(raw)
		if err != nil {
			return err
		}
		i.Rule = &r
		return nil
	case "map":
		var w struct {
			Family  string `json:"family"`
			Table   string `json:"table"`
			Name    string `json:"name"`
			KeyType string `json:"type"`
			MapType string `json:"map"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		i.Map = &Map{Family: w.Family, Table: w.Table, Name: w.Name, KeyType: w.KeyType, MapType: w.MapType}
		return nil
	case "set":
		var w struct {
			Family  string   `json:"family"`
			Table   string   `json:"table"`
			Name    string   `json:"name"`
			KeyType string   `json:"type"`
			Elem    []string `json:"elem"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		i.Set = &Set{Family: w.Family, Table: w.Table, Name: w.Name, KeyType: w.KeyType, Elements: w.Elem}
		return nil
	case "element":
		var w struct {
			Family string            `json:"family"`
			Table  string            `json:"table"`
			Name   string            `json:"name"`
			Elem   []json.RawMessage `json:"elem"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		e := Element{Family: w.Family, Table: w.Table, Name: w.Name}
		for _, re := range w.Elem {
			var pair []json.RawMessage
			if err := json.Unmarshal(re, &pair); err == nil && len(pair) == 2 {
				var key string
				if err := json.Unmarshal(pair[0], &key); err != nil {
					return err
				}
				v, err := verdictFromWire(pair[1])
				if err != nil {
					return err
				}
				e.MapElems = append(e.MapElems, MapElement{Key: key, Verdict: v})
				continue
			}
			var s string
			if err := json.Unmarshal(re, &s); err != nil {
				return fmt.Errorf("element entry is neither a pair nor a string: %s", re)
			}
			e.SetElems = append(e.SetElems, s)
		}
		i.Element = &e
		return nil
	}
	return fmt.Errorf("unknown object kind %q", kind)
}

func chainFromWire(raw json.RawMessage) (Chain, error) {
	var w struct {
		Family string `json:"family"`
		Table  string `json:"table"`
		Name   string `json:"name"`
	}
	err := json.Unmarshal(raw, &w)
	return Chain{Family: w.Family, Table: w.Table, Name: w.Name}, err
}

func ruleFromWire(raw json.RawMessage) (Rule, error) {
	var w struct {
		Family  string            `json:"family"`
		Table   string            `json:"table"`
		Chain   string            `json:"chain"`
		Comment string            `json:"comment"`
		Handle  uint64            `json:"handle"`
		Expr    []json.RawMessage `json:"expr"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return Rule{}, err
	}
	r := Rule{Family: w.Family, Table: w.Table, Chain: w.Chain, Comment: w.Comment, Handle: w.Handle}
	for _, re := range w.Expr {
		e, err := exprFromWire(re)
		if err != nil {
			return Rule{}, err
		}
		r.Exprs = append(r.Exprs, e)
	}
	return r, nil
}

func verdictFromWire(raw json.RawMessage) (Verdict, error) {
	var w map[string]json.RawMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Verdict{}, err
	}
	for kind, body := range w {
		v := Verdict{Kind: kind}
		if kind == "jump" || kind == "goto" {
			var t struct {
				Target string `json:"target"`
			}
			if err := json.Unmarshal(body, &t); err != nil {
				return Verdict{}, err
			}
			v.Target = t.Target
		}
		return v, nil
	}
	return Verdict{}, fmt.Errorf("empty verdict")
}

func exprFromWire(raw json.RawMessage) (Expr, error) {
	var w map[string]json.RawMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if len(w) != 1 {
		return nil, fmt.Errorf("statement must have exactly one key")
	}
	for kind, body := range w {
		switch kind {
		case "match":
			var m struct {
				Op    string          `json:"op"`
				Left  json.RawMessage `json:"left"`
				Right json.RawMessage `json:"right"`
			}
			if err := json.Unmarshal(body, &m); err != nil {
				return nil, err
			}
			left, err := operandFromWire(m.Left)
			if err != nil {
				return nil, err
			}
			right, err := operandFromWire(m.Right)
			if err != nil {
				return nil, err
			}
			return Match{Op: m.Op, Left: left, Right: right}, nil
		case "counter":
			return Counter{}, nil
		case "log":
			var l struct {
				Prefix string `json:"prefix"`
				Level  string `json:"level"`
			}
			if err := json.Unmarshal(body, &l); err != nil {
				return nil, err
			}
			return Log{Prefix: l.Prefix, Level: l.Level}, nil
		case "vmap":
			var v struct {
				Key  json.RawMessage `json:"key"`
				Data string          `json:"data"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			key, err := operandFromWire(v.Key)
			if err != nil {
				return nil, err
			}
			name := v.Data
			if len(name) > 0 && name[0] == '@' {
				name = name[1:]
			}
			return Vmap{Key: key, Map: name}, nil
		case "jump", "goto":
			var t struct {
				Target string `json:"target"`
			}
			if err := json.Unmarshal(body, &t); err != nil {
				return nil, err
			}
			if kind == "jump" {
				return Jump{Target: t.Target}, nil
			}
			return Goto{Target: t.Target}, nil
		case "return":
			return Return{}, nil
		case "drop":
			return Drop{}, nil
		}
		return nil, fmt.Errorf("unknown statement %q", kind)
	}
	return nil, fmt.Errorf("empty statement")
}

func operandFromWire(raw json.RawMessage) (any, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if len(s) > 0 && s[0] == '@' {
			return SetRef{Name: s[1:]}, nil
		}
		return s, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) != 2 {
			return nil, fmt.Errorf("range must have two endpoints")
		}
		var from, to string
		if err := json.Unmarshal(arr[0], &from); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(arr[1], &to); err != nil {
			return nil, err
		}
		return Range{From: from, To: to}, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	for kind, body := range obj {
		switch kind {
		case "payload":
			var p struct {
				Protocol string `json:"protocol"`
				Field    string `json:"field"`
			}
			if err := json.Unmarshal(body, &p); err != nil {
				return nil, err
			}
			return Payload{Protocol: p.Protocol, Field: p.Field}, nil
		case "ct":
			var c struct {
				Key string `json:"key"`
			}
			if err := json.Unmarshal(body, &c); err != nil {
				return nil, err
			}
			return CT{Key: c.Key}, nil
		case "prefix":
			var p struct {
				Addr string `json:"addr"`
				Len  int    `json:"len"`
			}
			if err := json.Unmarshal(body, &p); err != nil {
				return nil, err
			}
			return Prefix{Addr: p.Addr, Len: p.Len}, nil
		case "range":
			var arr []string
			if err := json.Unmarshal(body, &arr); err != nil || len(arr) != 2 {
				return nil, fmt.Errorf("bad range operand: %s", body)
			}
			return Range{From: arr[0], To: arr[1]}, nil
		case "set":
			var vals []json.RawMessage
			if err := json.Unmarshal(body, &vals); err != nil {
				return nil, err
			}
			vs := ValueSet{}
			for _, v := range vals {
				o, err := operandFromWire(v)
				if err != nil {
					return nil, err
				}
				vs.Values = append(vs.Values, o)
			}
			return vs, nil
		}
		return nil, fmt.Errorf("unknown operand %q", kind)
	}
	return nil, fmt.Errorf("empty operand")
}

// MarshalJSON encodes the object as {"kind": {...}}.
func (o Object) MarshalJSON() ([]byte, error) {
	switch {
	case o.Table != nil:
		return json.Marshal(map[string]any{"table": map[string]any{"family": o.Table.Family, "name": o.Table.Name}})
	case o.Chain != nil:
		return json.Marshal(map[string]any{"chain": chainWire(*o.Chain)})
	case o.Rule != nil:
		return json.Marshal(map[string]any{"rule": ruleWire(*o.Rule)})
	case o.Map != nil:
		m := map[string]any{"family": o.Map.Family, "table": o.Map.Table, "name": o.Map.Name, "type": o.Map.KeyType, "map": o.Map.MapType}
		if o.MapElems != nil {
			elems := make([]any, 0, len(o.MapElems))
			for _, me := range o.MapElems {
				elems = append(elems, []any{me.Key, verdictWire(me.Verdict)})
			}
			m["elem"] = elems
		}
		return json.Marshal(map[string]any{"map": m})
	case o.Set != nil:
		s := map[string]any{"family": o.Set.Family, "table": o.Set.Table, "name": o.Set.Name, "type": o.Set.KeyType}
		if o.Set.Elements != nil {
			s["elem"] = o.Set.Elements
		}
		return json.Marshal(map[string]any{"set": s})
	}
	return []byte("null"), nil
}

// UnmarshalJSON decodes {"kind": {...}}.
func (o *Object) UnmarshalJSON(data []byte) error {
	var w map[string]json.RawMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	for kind, raw := range w {
		switch kind {
		case "table":
			var t struct {
				Family string `json:"family"`
				Name   string `json:"name"`
			}
			if err := json.Unmarshal(raw, &t); err != nil {
				return err
			}
			o.Table = &Table{Family: t.Family, Name: t.Name}
			return nil
		case "chain":
			c, err := chainFromWire(raw)
			if err != nil {
				return err
			}
			o.Chain = &c
			return nil
		case "rule":
			r, err := ruleFromWire(raw)
			if err != nil {
				return err
			}
			o.Rule = &r
			return nil
		case "map":
			var m struct {
				Family  string            `json:"family"`
				Table   string            `json:"table"`
				Name    string            `json:"name"`
				KeyType string            `json:"type"`
				MapType string            `json:"map"`
				Elem    []json.RawMessage `json:"elem"`
			}
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			o.Map = &Map{Family: m.Family, Table: m.Table, Name: m.Name, KeyType: m.KeyType, MapType: m.MapType}
			for _, re := range m.Elem {
				var pair []json.RawMessage
				if err := json.Unmarshal(re, &pair); err != nil || len(pair) != 2 {
					return fmt.Errorf("bad map element: %s", re)
				}
				var key string
				if err := json.Unmarshal(pair[0], &key); err != nil {
					return err
				}
				v, err := verdictFromWire(pair[1])
				if err != nil {
					return err
				}
				o.MapElems = append(o.MapElems, MapElement{Key: key, Verdict: v})
			}
			return nil
		case "set":
			var s struct {
				Family  string   `json:"family"`
				Table   string   `json:"table"`
				Name    string   `json:"name"`
				KeyType string   `json:"type"`
				Elem    []string `json:"elem"`
			}
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			o.Set = &Set{Family: s.Family, Table: s.Table, Name: s.Name, KeyType: s.KeyType, Elements: s.Elem}
			return nil
		}
		return fmt.Errorf("unknown object kind %q", kind)
	}
	return fmt.Errorf("empty object")
}
