// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package nftlocal

import (
	"net"
	"strconv"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/google/nftables/userdata"
	"golang.org/x/sys/unix"

	"github.com/Matchlighter/Firewhale/internal/errors"
	"github.com/Matchlighter/Firewhale/internal/nft"
)

func appendComment(data []byte, comment string) []byte {
	return userdata.AppendString(data, userdata.TypeComment, comment)
}

func ruleComment(data []byte) string {
	s, _ := userdata.GetString(data, userdata.TypeComment)
	return s
}

// payloadField describes where a payload operand lives on the wire.
type payloadField struct {
	base   expr.PayloadBase
	offset uint32
	length uint32
}

func resolvePayload(p nft.Payload) (payloadField, error) {
	switch p.Protocol {
	case "ip":
		switch p.Field {
		case "saddr":
			return payloadField{expr.PayloadBaseNetworkHeader, 12, 4}, nil
		case "daddr":
			return payloadField{expr.PayloadBaseNetworkHeader, 16, 4}, nil
		case "protocol":
			return payloadField{expr.PayloadBaseNetworkHeader, 9, 1}, nil
		}
	case "tcp", "udp":
		switch p.Field {
		case "sport":
			return payloadField{expr.PayloadBaseTransportHeader, 0, 2}, nil
		case "dport":
			return payloadField{expr.PayloadBaseTransportHeader, 2, 2}, nil
		}
	}
	return payloadField{}, errors.Errorf(errors.KindInternal, "unsupported payload %s %s", p.Protocol, p.Field)
}

var protoNumbers = map[string]byte{
	"tcp": unix.IPPROTO_TCP,
	"udp": unix.IPPROTO_UDP,
}

var ctStateBits = map[string]uint32{
	"invalid":     expr.CtStateBitINVALID,
	"established": expr.CtStateBitESTABLISHED,
	"related":     expr.CtStateBitRELATED,
	"new":         expr.CtStateBitNEW,
}

// compileExprs translates a rule's expression tree into the netlink
// expression sequence.
func (t *Transport) compileExprs(tbl *nftables.Table, exprs []nft.Expr) ([]expr.Any, error) {
	var out []expr.Any
	for _, e := range exprs {
		switch x := e.(type) {
		case nft.Match:
			compiled, err := t.compileMatch(tbl, x)
			if err != nil {
				return nil, err
			}
			out = append(out, compiled...)
		case nft.Counter:
			out = append(out, &expr.Counter{})
		case nft.Log:
			out = append(out, &expr.Log{
				Key:   (1 << unix.NFTA_LOG_PREFIX) | (1 << unix.NFTA_LOG_LEVEL),
				Level: expr.LogLevelInfo,
				Data:  []byte(x.Prefix),
			})
		case nft.Vmap:
			compiled, err := t.compileVmap(tbl, x)
			if err != nil {
				return nil, err
			}
			out = append(out, compiled...)
		case nft.Jump:
			out = append(out, &expr.Verdict{Kind: expr.VerdictJump, Chain: x.Target})
		case nft.Goto:
			out = append(out, &expr.Verdict{Kind: expr.VerdictGoto, Chain: x.Target})
		case nft.Return:
			out = append(out, &expr.Verdict{Kind: expr.VerdictReturn})
		case nft.Drop:
			out = append(out, &expr.Verdict{Kind: expr.VerdictDrop})
		default:
			return nil, errors.Errorf(errors.KindInternal, "unsupported expression %T", e)
		}
	}
	return out, nil
}

func (t *Transport) compileMatch(tbl *nftables.Table, m nft.Match) ([]expr.Any, error) {
	switch left := m.Left.(type) {
	case nft.Payload:
		return t.compilePayloadMatch(tbl, m, left)
	case nft.CT:
		return t.compileCTMatch(m, left)
	}
	return nil, errors.Errorf(errors.KindInternal, "unsupported match operand %T", m.Left)
}

func (t *Transport) compilePayloadMatch(tbl *nftables.Table, m nft.Match, p nft.Payload) ([]expr.Any, error) {
	field, err := resolvePayload(p)
	if err != nil {
		return nil, err
	}

	load := &expr.Payload{
		DestRegister: 1,
		Base:         field.base,
		Offset:       field.offset,
		Len:          field.length,
	}
	neq := m.Op == "!="
	cmpOp := expr.CmpOpEq
	if neq {
		cmpOp = expr.CmpOpNeq
	}

	switch right := m.Right.(type) {
	case string:
		data, err := encodeScalar(field, right)
		if err != nil {
			return nil, err
		}
		return []expr.Any{load, &expr.Cmp{Op: cmpOp, Register: 1, Data: data}}, nil

	case int:
		data, err := encodeNumber(field, right)
		if err != nil {
			return nil, err
		}
		return []expr.Any{load, &expr.Cmp{Op: cmpOp, Register: 1, Data: data}}, nil

	case nft.Prefix:
		addr := net.ParseIP(right.Addr).To4()
		if addr == nil {
			return nil, errors.Errorf(errors.KindInternal, "bad prefix address %q", right.Addr)
		}
		mask := net.CIDRMask(right.Len, 32)
		network := addr.Mask(mask)
		return []expr.Any{
			load,
			&expr.Bitwise{
				SourceRegister: 1,
				DestRegister:   1,
				Len:            4,
				Mask:           mask,
				Xor:            make([]byte, 4),
			},
			&expr.Cmp{Op: cmpOp, Register: 1, Data: network},
		}, nil

	case nft.Range:
		from, err := encodeScalar(field, right.From)
		if err != nil {
			return nil, err
		}
		to, err := encodeScalar(field, right.To)
		if err != nil {
			return nil, err
		}
		op := expr.CmpOpEq
		if neq {
			op = expr.CmpOpNeq
		}
		return []expr.Any{load, &expr.Range{Op: op, Register: 1, FromData: from, ToData: to}}, nil

	case nft.ValueSet:
		set, err := t.anonymousSet(tbl, field, right)
		if err != nil {
			return nil, err
		}
		return []expr.Any{load, &expr.Lookup{
			SourceRegister: 1,
			SetName:        set.Name,
			SetID:          set.ID,
			Invert:         neq,
		}}, nil

	case nft.SetRef:
		set, err := t.conn.GetSetByName(tbl, right.Name)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindNotFound, "referenced set %s not found", right.Name)
		}
		return []expr.Any{load, &expr.Lookup{
			SourceRegister: 1,
			SetName:        set.Name,
			SetID:          set.ID,
			Invert:         neq,
		}}, nil
	}
	return nil, errors.Errorf(errors.KindInternal, "unsupported match value %T", m.Right)
}

func (t *Transport) compileCTMatch(m nft.Match, ct nft.CT) ([]expr.Any, error) {
	if ct.Key != "state" {
		return nil, errors.Errorf(errors.KindInternal, "unsupported ct key %q", ct.Key)
	}
	vs, ok := m.Right.(nft.ValueSet)
	if !ok {
		return nil, errors.Errorf(errors.KindInternal, "ct state match requires a state set, got %T", m.Right)
	}
	var mask uint32
	for _, v := range vs.Values {
		name, ok := v.(string)
		if !ok {
			return nil, errors.Errorf(errors.KindInternal, "bad ct state %v", v)
		}
		bit, ok := ctStateBits[name]
		if !ok {
			return nil, errors.Errorf(errors.KindInternal, "unknown ct state %q", name)
		}
		mask |= bit
	}
	return []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(mask),
			Xor:            binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
	}, nil
}

func (t *Transport) compileVmap(tbl *nftables.Table, v nft.Vmap) ([]expr.Any, error) {
	p, ok := v.Key.(nft.Payload)
	if !ok {
		return nil, errors.Errorf(errors.KindInternal, "vmap key must be a payload, got %T", v.Key)
	}
	field, err := resolvePayload(p)
	if err != nil {
		return nil, err
	}
	set, err := t.conn.GetSetByName(tbl, v.Map)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "verdict map %s not found", v.Map)
	}
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: field.base, Offset: field.offset, Len: field.length},
		&expr.Lookup{
			SourceRegister: 1,
			SetName:        set.Name,
			SetID:          set.ID,
			DestRegister:   0,
			IsDestRegSet:   true,
		},
	}, nil
}

// anonymousSet creates a constant anonymous set for a literal value list.
func (t *Transport) anonymousSet(tbl *nftables.Table, field payloadField, vs nft.ValueSet) (*nftables.Set, error) {
	var keyType nftables.SetDatatype
	switch field.length {
	case 1:
		keyType = nftables.TypeInetProto
	case 2:
		keyType = nftables.TypeInetService
	case 4:
		keyType = nftables.TypeIPAddr
	default:
		return nil, errors.Errorf(errors.KindInternal, "unsupported set key width %d", field.length)
	}

	var elems []nftables.SetElement
	for _, v := range vs.Values {
		var data []byte
		var err error
		switch val := v.(type) {
		case string:
			data, err = encodeScalar(field, val)
		case int:
			data, err = encodeNumber(field, val)
		default:
			err = errors.Errorf(errors.KindInternal, "unsupported set value %T", v)
		}
		if err != nil {
			return nil, err
		}
		elems = append(elems, nftables.SetElement{Key: data})
	}

	set := &nftables.Set{
		Table:     tbl,
		Anonymous: true,
		Constant:  true,
		KeyType:   keyType,
	}
	if err := t.conn.AddSet(set, elems); err != nil {
		return nil, errors.Wrap(err, errors.KindTransport, "failed to stage anonymous set")
	}
	return set, nil
}

// encodeScalar encodes a string operand for the given payload field.
func encodeScalar(field payloadField, s string) ([]byte, error) {
	switch field.length {
	case 4:
		addr := net.ParseIP(s).To4()
		if addr == nil {
			return nil, errors.Errorf(errors.KindInternal, "bad IPv4 address %q", s)
		}
		return addr, nil
	case 1:
		num, ok := protoNumbers[s]
		if !ok {
			return nil, errors.Errorf(errors.KindInternal, "unknown protocol %q", s)
		}
		return []byte{num}, nil
	case 2:
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > 65535 {
			return nil, errors.Errorf(errors.KindInternal, "bad port %q", s)
		}
		return binaryutil.BigEndian.PutUint16(uint16(n)), nil
	}
	return nil, errors.Errorf(errors.KindInternal, "unsupported operand width %d", field.length)
}

// encodeNumber encodes a numeric operand for the given payload field.
func encodeNumber(field payloadField, n int) ([]byte, error) {
	switch field.length {
	case 1:
		return []byte{byte(n)}, nil
	case 2:
		return binaryutil.BigEndian.PutUint16(uint16(n)), nil
	case 4:
		return binaryutil.BigEndian.PutUint32(uint32(n)), nil
	}
	return nil, errors.Errorf(errors.KindInternal, "unsupported operand width %d", field.length)
}

func ipSetElements(ips []string) ([]nftables.SetElement, error) {
	var elems []nftables.SetElement
	for _, ip := range ips {
		addr := net.ParseIP(ip).To4()
		if addr == nil {
			return nil, errors.Errorf(errors.KindInternal, "bad IPv4 address %q", ip)
		}
		elems = append(elems, nftables.SetElement{Key: addr})
	}
	return elems, nil
}

func mapSetElements(mes []nft.MapElement) ([]nftables.SetElement, error) {
	var elems []nftables.SetElement
	for _, me := range mes {
		addr := net.ParseIP(me.Key).To4()
		if addr == nil {
			return nil, errors.Errorf(errors.KindInternal, "bad IPv4 address %q", me.Key)
		}
		verdict, err := verdictExpr(me.Verdict)
		if err != nil {
			return nil, err
		}
		elems = append(elems, nftables.SetElement{Key: addr, VerdictData: verdict})
	}
	return elems, nil
}

func verdictExpr(v nft.Verdict) (*expr.Verdict, error) {
	switch v.Kind {
	case "jump":
		return &expr.Verdict{Kind: expr.VerdictJump, Chain: v.Target}, nil
	case "goto":
		return &expr.Verdict{Kind: expr.VerdictGoto, Chain: v.Target}, nil
	case "return":
		return &expr.Verdict{Kind: expr.VerdictReturn}, nil
	case "drop":
		return &expr.Verdict{Kind: expr.VerdictDrop}, nil
	case "accept":
		return &expr.Verdict{Kind: expr.VerdictAccept}, nil
	}
	return nil, errors.Errorf(errors.KindInternal, "unknown verdict %q", v.Kind)
}
