// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nftsocket

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Matchlighter/Firewhale/internal/errors"
	"github.com/Matchlighter/Firewhale/internal/logging"
	"github.com/Matchlighter/Firewhale/internal/nft"
)

// DefaultSocketPath is where the daemon listens for the agent.
const DefaultSocketPath = "/shared/firewhale-nfagent"

const (
	pingInterval = 10 * time.Second
	callTimeout  = time.Second
)

// Transport bridges batches to a privileged agent process over a Unix
// socket. The daemon side listens; the agent dials in. One request is
// outstanding at a time.
type Transport struct {
	logger   *logging.Logger
	listener net.Listener

	mu   sync.Mutex
	conn net.Conn

	connected chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// Listen creates the socket and starts accepting agent connections.
func Listen(socketPath string, logger *logging.Logger) (*Transport, error) {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	// A stale socket from a previous run blocks the bind.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, errors.KindTransport, "failed to remove stale socket %s", socketPath)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindTransport, "failed to listen on %s", socketPath)
	}

	t := &Transport{
		logger:    logger.WithComponent("nftsocket"),
		listener:  ln,
		connected: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

// Connected implements nft.Transport; it yields on every agent (re)attach.
func (t *Transport) Connected() <-chan struct{} {
	return t.connected
}

// Close stops the listener and drops the current agent connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.listener.Close()
		t.mu.Lock()
		if t.conn != nil {
			t.conn.Close()
			t.conn = nil
		}
		t.mu.Unlock()
	})
	return nil
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			t.logger.WithError(err).Warn("Accept failed")
			continue
		}

		t.mu.Lock()
		if t.conn != nil {
			t.logger.Warn("Agent already connected, closing previous connection")
			t.conn.Close()
		}
		t.conn = conn
		t.mu.Unlock()

		t.logger.Info("NFAgent connected")
		select {
		case t.connected <- struct{}{}:
		default:
		}

		go t.pingLoop(conn)
	}
}

// pingLoop keeps the connection verified; a missed ping closes it so the
// agent reconnects and the controller resyncs.
func (t *Transport) pingLoop(conn net.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		if t.conn != conn {
			t.mu.Unlock()
			return
		}
		err := t.roundTrip(conn, Request{Ping: true}, nil)
		t.mu.Unlock()

		if err != nil {
			t.logger.WithError(err).Warn("NFAgent ping failed, dropping connection")
			t.dropConn(conn)
			return
		}
	}
}

func (t *Transport) dropConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn.Close()
		t.conn = nil
		t.logger.Info("NFAgent disconnected")
	}
}

// Submit implements nft.Transport.
func (t *Transport) Submit(ctx context.Context, batch nft.Batch, mode nft.Mode) ([]nft.Object, error) {
	batch = batch.Compact()

	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return nil, errors.ErrDisconnected
	}

	var objs []nft.Object
	err := t.roundTrip(conn, Request{Cmd: batch, Throw: mode.WireThrow()}, &objs)
	t.mu.Unlock()

	if err != nil {
		var engineErr *engineError
		if errors.As(err, &engineErr) {
			return nil, errors.Wrap(err, errors.KindTransport, "engine rejected batch")
		}
		t.dropConn(conn)
		return nil, errors.Wrap(errors.ErrDisconnected, errors.KindTransport, err.Error())
	}
	return objs, nil
}

// engineError distinguishes an error the agent reported from a dead socket.
type engineError struct {
	msg string
}

func (e *engineError) Error() string { return e.msg }

// roundTrip performs one framed request/response. Caller holds t.mu.
func (t *Transport) roundTrip(conn net.Conn, req Request, out *[]nft.Object) error {
	deadline := time.Now().Add(callTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})

	if err := WriteFrame(conn, req); err != nil {
		return err
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return err
	}

	if resp.Status == StatusError {
		var msg string
		if err := json.Unmarshal(resp.Data, &msg); err != nil {
			msg = string(resp.Data)
		}
		return &engineError{msg: msg}
	}

	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return err
		}
	}
	return nil
}
