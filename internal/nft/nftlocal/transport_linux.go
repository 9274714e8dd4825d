// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

// Package nftlocal executes nft batches in-process over netlink using
// github.com/google/nftables.
package nftlocal

import (
	"context"
	"sync"

	"github.com/google/nftables"

	"github.com/Matchlighter/Firewhale/internal/errors"
	"github.com/Matchlighter/Firewhale/internal/logging"
	"github.com/Matchlighter/Firewhale/internal/nft"
)

// Transport applies batches directly via the kernel netlink interface.
type Transport struct {
	mu        sync.Mutex
	conn      *nftables.Conn
	logger    *logging.Logger
	connected chan struct{}
}

// New creates an in-process transport.
func New(logger *logging.Logger) (*Transport, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransport, "failed to open netlink connection")
	}
	return NewWithConn(conn, logger), nil
}

// NewWithConn creates a transport over an existing connection.
func NewWithConn(conn *nftables.Conn, logger *logging.Logger) *Transport {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	t := &Transport{
		conn:      conn,
		logger:    logger.WithComponent("nftlocal"),
		connected: make(chan struct{}, 1),
	}
	// In-process: the engine is reachable from the start.
	t.connected <- struct{}{}
	return t
}

// Connected implements nft.Transport. The channel yields exactly once.
func (t *Transport) Connected() <-chan struct{} {
	return t.connected
}

// Close implements nft.Transport.
func (t *Transport) Close() error {
	return nil
}

// Submit implements nft.Transport.
//
// Strict batches are committed in a single kernel transaction per contiguous
// run of mutations; a list item flushes pending mutations first so queries
// observe them. BestEffort commits item by item, logging failures.
func (t *Transport) Submit(ctx context.Context, batch nft.Batch, mode nft.Mode) ([]nft.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	batch = batch.Compact()

	var out []nft.Object
	pending := 0

	flush := func() error {
		if pending == 0 {
			return nil
		}
		pending = 0
		if err := t.conn.Flush(); err != nil {
			return errors.Wrap(err, errors.KindTransport, "batch commit failed")
		}
		return nil
	}

	for _, item := range batch {
		if err := ctx.Err(); err != nil {
			return out, errors.Wrap(err, errors.KindTransport, "batch canceled")
		}

		if item.Op == nft.OpList {
			if err := flush(); err != nil {
				return out, err
			}
			objs, err := t.query(item)
			if err != nil {
				if mode == nft.BestEffort {
					t.logger.WithError(err).Warn("List operation failed, continuing")
					continue
				}
				return out, err
			}
			out = append(out, objs...)
			continue
		}

		if err := t.stage(item); err != nil {
			if mode == nft.BestEffort {
				t.logger.WithError(err).Warn("Batch item failed, continuing", "op", item.Op)
				continue
			}
			return out, err
		}
		pending++

		if mode == nft.BestEffort {
			if err := flush(); err != nil {
				t.logger.WithError(err).Warn("Batch item failed, continuing", "op", item.Op)
			}
		}
	}

	if err := flush(); err != nil {
		if mode == nft.BestEffort {
			t.logger.WithError(err).Warn("Trailing batch items failed")
			return out, nil
		}
		return out, err
	}
	return out, nil
}

// stage queues one mutating item on the connection.
func (t *Transport) stage(item nft.Item) error {
	switch {
	case item.Table != nil:
		return t.stageTable(item)
	case item.Chain != nil:
		return t.stageChain(item)
	case item.Rule != nil:
		return t.stageRule(item)
	case item.Map != nil:
		return t.stageMap(item.Op, item.Map.Table, item.Map.Name)
	case item.Set != nil:
		return t.stageSet(item)
	case item.Element != nil:
		return t.stageElements(item)
	}
	return errors.Errorf(errors.KindInternal, "batch item %q has no object", item.Op)
}

func (t *Transport) stageTable(item nft.Item) error {
	tbl := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: item.Table.Name}
	switch item.Op {
	case nft.OpAdd:
		t.conn.AddTable(tbl)
	case nft.OpDelete:
		t.conn.DelTable(tbl)
	case nft.OpFlush:
		t.conn.FlushTable(tbl)
	default:
		return errors.Errorf(errors.KindInternal, "unsupported table op %q", item.Op)
	}
	return nil
}

func (t *Transport) stageChain(item nft.Item) error {
	tbl := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: item.Chain.Table}
	ch := &nftables.Chain{Name: item.Chain.Name, Table: tbl}
	switch item.Op {
	case nft.OpAdd:
		t.conn.AddChain(ch)
	case nft.OpFlush:
		t.conn.FlushChain(ch)
	case nft.OpDelete:
		t.conn.DelChain(ch)
	default:
		return errors.Errorf(errors.KindInternal, "unsupported chain op %q", item.Op)
	}
	return nil
}

func (t *Transport) stageRule(item nft.Item) error {
	r := item.Rule
	tbl := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: r.Table}
	ch := &nftables.Chain{Name: r.Chain, Table: tbl}

	if item.Op == nft.OpDelete {
		if r.Handle == 0 {
			return errors.New(errors.KindInternal, "delete rule requires a handle")
		}
		return t.conn.DelRule(&nftables.Rule{Table: tbl, Chain: ch, Handle: r.Handle})
	}

	exprs, err := t.compileExprs(tbl, r.Exprs)
	if err != nil {
		return err
	}
	nr := &nftables.Rule{
		Table:    tbl,
		Chain:    ch,
		Exprs:    exprs,
		Handle:   r.Handle,
		UserData: commentUserData(r.Comment),
	}

	switch item.Op {
	case nft.OpAdd:
		t.conn.AddRule(nr)
	case nft.OpInsert:
		t.conn.InsertRule(nr)
	case nft.OpReplace:
		if r.Handle == 0 {
			return errors.New(errors.KindInternal, "replace rule requires a handle")
		}
		t.conn.ReplaceRule(nr)
	default:
		return errors.Errorf(errors.KindInternal, "unsupported rule op %q", item.Op)
	}
	return nil
}

func (t *Transport) stageSet(item nft.Item) error {
	s := item.Set
	tbl := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: s.Table}

	switch item.Op {
	case nft.OpAdd:
		set := &nftables.Set{
			Table:   tbl,
			Name:    s.Name,
			KeyType: nftables.TypeIPAddr,
		}
		elems, err := ipSetElements(s.Elements)
		if err != nil {
			return err
		}
		return t.conn.AddSet(set, elems)
	case nft.OpDelete, nft.OpFlush:
		existing, err := t.conn.GetSetByName(tbl, s.Name)
		if err != nil {
			return errors.Wrapf(err, errors.KindNotFound, "set %s not found", s.Name)
		}
		if item.Op == nft.OpDelete {
			t.conn.DelSet(existing)
		} else {
			t.conn.FlushSet(existing)
		}
		return nil
	}
	return errors.Errorf(errors.KindInternal, "unsupported set op %q", item.Op)
}

// stageMap handles map object ops; maps are sets with a verdict data type.
func (t *Transport) stageMap(op nft.Op, table, name string) error {
	tbl := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: table}
	switch op {
	case nft.OpAdd:
		t.conn.AddSet(&nftables.Set{
			Table:    tbl,
			Name:     name,
			KeyType:  nftables.TypeIPAddr,
			DataType: nftables.TypeVerdict,
			IsMap:    true,
		}, nil)
		return nil
	case nft.OpDelete, nft.OpFlush:
		existing, err := t.conn.GetSetByName(tbl, name)
		if err != nil {
			return errors.Wrapf(err, errors.KindNotFound, "map %s not found", name)
		}
		if op == nft.OpDelete {
			t.conn.DelSet(existing)
		} else {
			t.conn.FlushSet(existing)
		}
		return nil
	}
	return errors.Errorf(errors.KindInternal, "unsupported map op %q", op)
}

func (t *Transport) stageElements(item nft.Item) error {
	e := item.Element
	tbl := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: e.Table}
	set, err := t.conn.GetSetByName(tbl, e.Name)
	if err != nil {
		return errors.Wrapf(err, errors.KindNotFound, "set or map %s not found", e.Name)
	}

	var elems []nftables.SetElement
	if e.MapElems != nil {
		elems, err = mapSetElements(e.MapElems)
	} else {
		elems, err = ipSetElements(e.SetElems)
	}
	if err != nil {
		return err
	}

	switch item.Op {
	case nft.OpAdd:
		return t.conn.SetAddElements(set, elems)
	case nft.OpDelete:
		return t.conn.SetDeleteElements(set, elems)
	}
	return errors.Errorf(errors.KindInternal, "unsupported element op %q", item.Op)
}

func commentUserData(comment string) []byte {
	if comment == "" {
		return nil
	}
	return appendComment(nil, comment)
}
