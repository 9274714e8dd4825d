// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package nftlocal

import (
	"context"

	"github.com/Matchlighter/Firewhale/internal/errors"
	"github.com/Matchlighter/Firewhale/internal/logging"
	"github.com/Matchlighter/Firewhale/internal/nft"
)

// Transport is unavailable on non-Linux platforms.
type Transport struct {
	connected chan struct{}
}

func New(logger *logging.Logger) (*Transport, error) {
	return nil, errors.New(errors.KindTransport, "nftables is only available on linux")
}

func (t *Transport) Submit(ctx context.Context, batch nft.Batch, mode nft.Mode) ([]nft.Object, error) {
	return nil, errors.New(errors.KindTransport, "nftables is only available on linux")
}

func (t *Transport) Connected() <-chan struct{} { return t.connected }

func (t *Transport) Close() error { return nil }
