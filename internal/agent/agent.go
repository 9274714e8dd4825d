// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package agent implements the privileged NFAgent companion process. It
// dials the sandboxed daemon's Unix socket, executes the firewall batches
// the daemon sends, and replies with the results.
package agent

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/Matchlighter/Firewhale/internal/logging"
	"github.com/Matchlighter/Firewhale/internal/nft"
	"github.com/Matchlighter/Firewhale/internal/nft/nftsocket"
)

const reconnectDelay = 2 * time.Second

// Executor executes one batch; satisfied by the in-process transport.
type Executor interface {
	Submit(ctx context.Context, batch nft.Batch, mode nft.Mode) ([]nft.Object, error)
}

// Agent connects to the daemon and serves batch requests until its context
// is canceled.
type Agent struct {
	socketPath string
	executor   Executor
	logger     *logging.Logger
}

// New creates an agent serving requests from the daemon at socketPath.
func New(socketPath string, executor Executor, logger *logging.Logger) *Agent {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Agent{
		socketPath: socketPath,
		executor:   executor,
		logger:     logger.WithComponent("nfagent"),
	}
}

// Run dials the daemon, reconnecting with a fixed backoff, and processes
// requests until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		conn, err := (&net.Dialer{}).DialContext(ctx, "unix", a.socketPath)
		if err != nil {
			a.logger.WithError(err).Warn("Failed to connect to daemon, retrying", "socket", a.socketPath)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(reconnectDelay):
			}
			continue
		}

		a.logger.Info("Connected to daemon", "socket", a.socketPath)
		a.serve(ctx, conn)
		conn.Close()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// serve processes framed requests on one connection until it breaks.
func (a *Agent) serve(ctx context.Context, conn net.Conn) {
	// Unblock the read loop when we are asked to shut down.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var req nftsocket.Request
		if err := nftsocket.ReadFrame(conn, &req); err != nil {
			if ctx.Err() == nil {
				a.logger.WithError(err).Warn("Connection to daemon lost")
			}
			return
		}

		resp := a.handle(ctx, req)
		if err := nftsocket.WriteFrame(conn, resp); err != nil {
			a.logger.WithError(err).Warn("Failed to write response")
			return
		}
	}
}

func (a *Agent) handle(ctx context.Context, req nftsocket.Request) nftsocket.Response {
	if req.Ping {
		data, _ := json.Marshal("pong")
		return nftsocket.Response{Status: nftsocket.StatusOK, Data: data}
	}

	objs, err := a.executor.Submit(ctx, req.Cmd, nft.ModeFromWire(req.Throw))
	if err != nil {
		a.logger.WithError(err).Warn("Batch execution failed", "items", len(req.Cmd))
		return nftsocket.ErrorResponse(err)
	}

	resp, err := nftsocket.OKResponse(objs)
	if err != nil {
		return nftsocket.ErrorResponse(err)
	}
	return resp
}
