// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package nftsocket bridges nft batches over a Unix-domain stream socket.
// The daemon listens; the privileged agent dials in and executes batches.
// Frames are a 4-byte big-endian length followed by a JSON document.
package nftsocket

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/Matchlighter/Firewhale/internal/nft"
)

// maxFrameSize bounds a single frame. Batches are per-container and small;
// anything larger indicates a corrupt stream.
const maxFrameSize = 16 << 20

// Request is one framed call from daemon to agent.
type Request struct {
	Cmd   nft.Batch `json:"cmd,omitempty"`
	Throw any       `json:"throw,omitempty"`
	Ping  bool      `json:"ping,omitempty"`
}

// Response is the agent's framed reply.
type Response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// WriteFrame serializes v and writes it as one length-prefixed frame.
func WriteFrame(conn net.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err = conn.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame into v.
func ReadFrame(conn net.Conn, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// OKResponse builds a success response carrying the given objects.
func OKResponse(objs []nft.Object) (Response, error) {
	data, err := json.Marshal(objs)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: StatusOK, Data: data}, nil
}

// ErrorResponse builds an error response carrying the message.
func ErrorResponse(err error) Response {
	data, _ := json.Marshal(err.Error())
	return Response{Status: StatusError, Data: data}
}
