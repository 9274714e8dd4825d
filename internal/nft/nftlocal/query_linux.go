// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package nftlocal

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"github.com/Matchlighter/Firewhale/internal/errors"
	"github.com/Matchlighter/Firewhale/internal/nft"
)

// query executes a list item and returns the objects it produced.
func (t *Transport) query(item nft.Item) ([]nft.Object, error) {
	switch {
	case item.Table != nil:
		return t.listTable(item.Table)
	case item.Chain != nil:
		return t.listChain(item.Chain)
	case item.Map != nil:
		return t.listMap(item.Map)
	}
	return nil, errors.New(errors.KindInternal, "unsupported list target")
}

func (t *Transport) listTable(target *nft.Table) ([]nft.Object, error) {
	tbl := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: target.Name}

	var out []nft.Object
	out = append(out, nft.Object{Table: &nft.Table{Family: target.Family, Name: target.Name}})

	chains, err := t.conn.ListChains()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransport, "failed to list chains")
	}
	found := false
	for _, ch := range chains {
		if ch.Table.Name != target.Name || ch.Table.Family != nftables.TableFamilyIPv4 {
			continue
		}
		found = true
		out = append(out, nft.Object{Chain: &nft.Chain{
			Family: target.Family,
			Table:  target.Name,
			Name:   ch.Name,
		}})
	}
	if !found {
		// The table may still exist with no chains; listing a genuinely
		// missing table is an error like the nft CLI reports.
		tables, terr := t.conn.ListTablesOfFamily(nftables.TableFamilyIPv4)
		if terr != nil {
			return nil, errors.Wrap(terr, errors.KindTransport, "failed to list tables")
		}
		exists := false
		for _, tt := range tables {
			if tt.Name == target.Name {
				exists = true
				break
			}
		}
		if !exists {
			return nil, errors.Errorf(errors.KindNotFound, "table %s %s does not exist", target.Family, target.Name)
		}
	}

	sets, err := t.conn.GetSets(tbl)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransport, "failed to list sets")
	}
	for _, s := range sets {
		if s.Anonymous {
			continue
		}
		if s.IsMap {
			out = append(out, nft.Object{Map: &nft.Map{
				Family:  target.Family,
				Table:   target.Name,
				Name:    s.Name,
				KeyType: "ipv4_addr",
				MapType: "verdict",
			}})
		} else {
			out = append(out, nft.Object{Set: &nft.Set{
				Family:  target.Family,
				Table:   target.Name,
				Name:    s.Name,
				KeyType: "ipv4_addr",
			}})
		}
	}
	return out, nil
}

func (t *Transport) listChain(target *nft.Chain) ([]nft.Object, error) {
	tbl := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: target.Table}
	ch := &nftables.Chain{Name: target.Name, Table: tbl}

	rules, err := t.conn.GetRules(tbl, ch)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "failed to list chain %s", target.Name)
	}

	out := []nft.Object{{Chain: &nft.Chain{Family: target.Family, Table: target.Table, Name: target.Name}}}
	for _, r := range rules {
		out = append(out, nft.Object{Rule: &nft.Rule{
			Family:  target.Family,
			Table:   target.Table,
			Chain:   target.Name,
			Comment: ruleComment(r.UserData),
			Handle:  r.Handle,
			Exprs:   decompileExprs(r.Exprs),
		}})
	}
	return out, nil
}

func (t *Transport) listMap(target *nft.Map) ([]nft.Object, error) {
	tbl := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: target.Table}
	set, err := t.conn.GetSetByName(tbl, target.Name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "map %s not found", target.Name)
	}
	elems, err := t.conn.GetSetElements(set)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindTransport, "failed to read map %s", target.Name)
	}

	obj := nft.Object{Map: &nft.Map{
		Family:  target.Family,
		Table:   target.Table,
		Name:    target.Name,
		KeyType: "ipv4_addr",
		MapType: "verdict",
	}}
	for _, e := range elems {
		if len(e.Key) != 4 || e.VerdictData == nil {
			continue
		}
		obj.MapElems = append(obj.MapElems, nft.MapElement{
			Key:     net.IP(e.Key).String(),
			Verdict: verdictFromExpr(e.VerdictData),
		})
	}
	return []nft.Object{obj}, nil
}

func verdictFromExpr(v *expr.Verdict) nft.Verdict {
	switch v.Kind {
	case expr.VerdictJump:
		return nft.Verdict{Kind: "jump", Target: v.Chain}
	case expr.VerdictGoto:
		return nft.Verdict{Kind: "goto", Target: v.Chain}
	case expr.VerdictReturn:
		return nft.Verdict{Kind: "return"}
	case expr.VerdictDrop:
		return nft.Verdict{Kind: "drop"}
	case expr.VerdictAccept:
		return nft.Verdict{Kind: "accept"}
	}
	return nft.Verdict{Kind: "unknown"}
}

// decompileExprs translates netlink expressions back into the declarative
// tree. It recovers the vocabulary firewhale itself emits; expressions
// outside it are skipped, which is sufficient for the comment-driven chain
// synchronization this is used for.
func decompileExprs(exprs []expr.Any) []nft.Expr {
	var out []nft.Expr
	var pendingPayload *nft.Payload
	var pendingField payloadField
	var pendingMask []byte
	var pendingCT bool
	var pendingCTMask uint32

	reset := func() {
		pendingPayload = nil
		pendingMask = nil
		pendingCT = false
		pendingCTMask = 0
	}

	for _, e := range exprs {
		switch x := e.(type) {
		case *expr.Payload:
			p, field, ok := payloadFromOffsets(x)
			if !ok {
				reset()
				continue
			}
			pendingPayload = &p
			pendingField = field

		case *expr.Ct:
			if x.Key == expr.CtKeySTATE {
				pendingCT = true
			}

		case *expr.Bitwise:
			if pendingPayload != nil {
				pendingMask = x.Mask
			} else if pendingCT {
				if len(x.Mask) == 4 {
					pendingCTMask = nativeUint32(x.Mask)
				}
			}

		case *expr.Cmp:
			op := "=="
			if x.Op == expr.CmpOpNeq {
				op = "!="
			}
			switch {
			case pendingCT:
				out = append(out, nft.Match{Op: "in", Left: nft.CT{Key: "state"}, Right: ctStateSet(pendingCTMask)})
			case pendingPayload != nil && pendingMask != nil:
				ones, _ := net.IPMask(pendingMask).Size()
				out = append(out, nft.Match{
					Op:    op,
					Left:  *pendingPayload,
					Right: nft.Prefix{Addr: net.IP(x.Data).String(), Len: ones},
				})
			case pendingPayload != nil:
				right, ok := scalarFromData(pendingField, x.Data)
				if ok {
					out = append(out, nft.Match{Op: op, Left: *pendingPayload, Right: right})
				}
			}
			reset()

		case *expr.Range:
			if pendingPayload != nil {
				op := "=="
				if x.Op == expr.CmpOpNeq {
					op = "!="
				}
				from, fok := scalarFromData(pendingField, x.FromData)
				to, tok := scalarFromData(pendingField, x.ToData)
				if fok && tok {
					out = append(out, nft.Match{
						Op:    op,
						Left:  *pendingPayload,
						Right: nft.Range{From: asString(from), To: asString(to)},
					})
				}
			}
			reset()

		case *expr.Lookup:
			if pendingPayload != nil {
				op := "=="
				if x.Invert {
					op = "!="
				}
				if x.IsDestRegSet && x.DestRegister == 0 {
					out = append(out, nft.Vmap{Key: *pendingPayload, Map: x.SetName})
				} else {
					out = append(out, nft.Match{Op: op, Left: *pendingPayload, Right: nft.SetRef{Name: x.SetName}})
				}
			}
			reset()

		case *expr.Counter:
			out = append(out, nft.Counter{})

		case *expr.Log:
			out = append(out, nft.Log{Prefix: string(x.Data), Level: "info"})

		case *expr.Verdict:
			switch x.Kind {
			case expr.VerdictJump:
				out = append(out, nft.Jump{Target: x.Chain})
			case expr.VerdictGoto:
				out = append(out, nft.Goto{Target: x.Chain})
			case expr.VerdictReturn:
				out = append(out, nft.Return{})
			case expr.VerdictDrop:
				out = append(out, nft.Drop{})
			}
			reset()
		}
	}
	return out
}

func payloadFromOffsets(p *expr.Payload) (nft.Payload, payloadField, bool) {
	candidates := []nft.Payload{
		{Protocol: "ip", Field: "saddr"},
		{Protocol: "ip", Field: "daddr"},
		{Protocol: "ip", Field: "protocol"},
		{Protocol: "tcp", Field: "sport"},
		{Protocol: "tcp", Field: "dport"},
	}
	for _, c := range candidates {
		field, err := resolvePayload(c)
		if err != nil {
			continue
		}
		if field.base == p.Base && field.offset == p.Offset && field.length == p.Len {
			return c, field, true
		}
	}
	return nft.Payload{}, payloadField{}, false
}

func scalarFromData(field payloadField, data []byte) (any, bool) {
	switch field.length {
	case 4:
		if len(data) != 4 {
			return nil, false
		}
		return net.IP(data).String(), true
	case 2:
		if len(data) != 2 {
			return nil, false
		}
		return int(binary.BigEndian.Uint16(data)), true
	case 1:
		if len(data) != 1 {
			return nil, false
		}
		for name, num := range protoNumbers {
			if num == data[0] {
				return name, true
			}
		}
		return int(data[0]), true
	}
	return nil, false
}

func ctStateSet(mask uint32) nft.ValueSet {
	vs := nft.ValueSet{}
	for _, name := range []string{"invalid", "established", "related", "new"} {
		if mask&ctStateBits[name] != 0 {
			vs.Values = append(vs.Values, name)
		}
	}
	return vs
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	}
	return fmt.Sprint(v)
}

func nativeUint32(b []byte) uint32 {
	var buf [4]byte
	copy(buf[:], b)
	return binary.NativeEndian.Uint32(buf[:])
}
