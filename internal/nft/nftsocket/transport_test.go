// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nftsocket

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/Matchlighter/Firewhale/internal/errors"
	"github.com/Matchlighter/Firewhale/internal/logging"
	"github.com/Matchlighter/Firewhale/internal/nft"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error"})
}

func listen(t *testing.T) (*Transport, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "nfagent.sock")
	tr, err := Listen(socketPath, testLogger())
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, socketPath
}

func TestSubmitWithoutAgentFailsDisconnected(t *testing.T) {
	tr, _ := listen(t)

	_, err := tr.Submit(context.Background(), nft.Batch{
		nft.AddChain(nft.Chain{Family: "ip", Table: "filter", Name: "x"}),
	}, nft.Strict)
	if !errors.Is(err, errors.ErrDisconnected) {
		t.Fatalf("expected disconnected error, got %v", err)
	}
}

func TestConnectedSignalAndRoundTrip(t *testing.T) {
	tr, socketPath := listen(t)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case <-tr.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("no connected signal after agent attach")
	}

	// Fake agent: serve one request.
	served := make(chan Request, 1)
	go func() {
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			return
		}
		served <- req
		resp, _ := OKResponse([]nft.Object{
			{Chain: &nft.Chain{Family: "ip", Table: "filter", Name: "firewhale"}},
		})
		WriteFrame(conn, resp)
	}()

	objs, err := tr.Submit(context.Background(), nft.Batch{
		nft.ListTable(nft.Table{Family: "ip", Name: "filter"}),
	}, nft.Strict)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if len(objs) != 1 || objs[0].Chain == nil || objs[0].Chain.Name != "firewhale" {
		t.Errorf("unexpected objects: %+v", objs)
	}

	req := <-served
	if req.Throw != true {
		t.Errorf("strict mode must serialize throw=true, got %v", req.Throw)
	}
	if len(req.Cmd) != 1 || req.Cmd[0].Op != nft.OpList {
		t.Errorf("batch did not survive the wire: %+v", req.Cmd)
	}
}

func TestEngineErrorDoesNotDropConnection(t *testing.T) {
	tr, socketPath := listen(t)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	<-tr.Connected()

	go func() {
		for {
			var req Request
			if err := ReadFrame(conn, &req); err != nil {
				return
			}
			WriteFrame(conn, ErrorResponse(context.DeadlineExceeded))
		}
	}()

	_, err = tr.Submit(context.Background(), nft.Batch{
		nft.AddChain(nft.Chain{Family: "ip", Table: "filter", Name: "x"}),
	}, nft.Strict)
	if err == nil {
		t.Fatal("engine error must surface")
	}
	if errors.Is(err, errors.ErrDisconnected) {
		t.Fatal("engine error must not be reported as a disconnect")
	}

	// The connection stays usable.
	_, err = tr.Submit(context.Background(), nft.Batch{
		nft.AddChain(nft.Chain{Family: "ip", Table: "filter", Name: "y"}),
	}, nft.Strict)
	if errors.Is(err, errors.ErrDisconnected) {
		t.Fatal("connection was dropped after an engine error")
	}
}

func TestAgentDisconnectFailsInFlight(t *testing.T) {
	tr, socketPath := listen(t)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	<-tr.Connected()

	go func() {
		var req Request
		ReadFrame(conn, &req)
		conn.Close()
	}()

	_, err = tr.Submit(context.Background(), nft.Batch{
		nft.AddChain(nft.Chain{Family: "ip", Table: "filter", Name: "x"}),
	}, nft.Strict)
	if !errors.Is(err, errors.ErrDisconnected) {
		t.Fatalf("expected disconnected error, got %v", err)
	}
}

func TestReattachSignalsConnectedAgain(t *testing.T) {
	tr, socketPath := listen(t)

	first, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	<-tr.Connected()
	first.Close()

	second, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("second dial failed: %v", err)
	}
	defer second.Close()

	select {
	case <-tr.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("no connected signal on reattach")
	}
}

func TestBestEffortWireThrow(t *testing.T) {
	if nft.Strict.WireThrow() != true {
		t.Error("strict must serialize as throw=true")
	}
	if nft.BestEffort.WireThrow() != "continue" {
		t.Error("best-effort must serialize as throw=continue")
	}
	if nft.ModeFromWire("continue") != nft.BestEffort {
		t.Error("throw=continue must decode to best-effort")
	}
	if nft.ModeFromWire(true) != nft.Strict {
		t.Error("throw=true must decode to strict")
	}
	if nft.ModeFromWire(false) != nft.BestEffort {
		t.Error("throw=false must decode to best-effort")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		WriteFrame(client, Request{Ping: true})
	}()

	var req Request
	if err := ReadFrame(server, &req); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !req.Ping {
		t.Error("ping flag lost in framing")
	}
}

func TestErrorResponseCarriesMessage(t *testing.T) {
	resp := ErrorResponse(errors.New(errors.KindTransport, "boom"))
	if resp.Status != StatusError {
		t.Errorf("unexpected status %q", resp.Status)
	}
	var msg string
	if err := json.Unmarshal(resp.Data, &msg); err != nil || msg != "boom" {
		t.Errorf("unexpected data: %s", resp.Data)
	}
}
