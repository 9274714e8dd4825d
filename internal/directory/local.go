// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package directory

import (
	"context"

	"github.com/Matchlighter/Firewhale/internal/logging"
	"github.com/Matchlighter/Firewhale/internal/nft"
)

// Local is the single-host backend. All state lives in process memory.
type Local struct {
	base

	servicePublishedIPs *MultiMap[string, string]
	ipToService         map[string]string
	ipToContainer       map[string]string
}

var _ Directory = (*Local)(nil)

// NewLocal creates the local backend.
func NewLocal(transport nft.Transport, logger *logging.Logger) *Local {
	return &Local{
		base:                newBase(transport, logger.WithComponent("directory")),
		servicePublishedIPs: NewMultiMap[string, string](),
		ipToService:         make(map[string]string),
		ipToContainer:       make(map[string]string),
	}
}

// Publish implements Directory.
func (d *Local) Publish(ctx context.Context, service, ip, containerID string) error {
	if prior, claimed := d.ipToService[ip]; claimed && prior != service {
		d.servicePublishedIPs.Remove(prior, ip)
	}

	d.ipToService[ip] = service
	d.ipToContainer[ip] = containerID
	d.servicePublishedIPs.Add(service, ip)

	// The mirror cache, not the claim table, decides whether kernel sets
	// need an update; it only advances when the batch commits, so a failed
	// update is retried by the next publish.
	if d.ipServiceCache[ip] != service {
		return d.updateIPService(ctx, service, ip)
	}
	return nil
}

func (d *Local) unpublish(ctx context.Context, ip string) error {
	service := d.ipToService[ip]
	delete(d.ipToService, ip)
	delete(d.ipToContainer, ip)
	d.servicePublishedIPs.Remove(service, ip)
	return d.updateIPService(ctx, "", ip)
}

// UnpublishContainer implements Directory.
func (d *Local) UnpublishContainer(ctx context.Context, containerID string) error {
	ips, _ := d.ListContainerIPs(ctx, containerID)
	for _, ip := range ips {
		if err := d.unpublish(ctx, ip); err != nil {
			return err
		}
	}
	return nil
}

// ListContainerIPs implements Directory.
func (d *Local) ListContainerIPs(_ context.Context, containerID string) ([]string, error) {
	var ips []string
	for ip, cid := range d.ipToContainer {
		if cid == containerID {
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

func (d *Local) listServiceIPs(_ context.Context, service string) ([]string, error) {
	return d.servicePublishedIPs.Get(service), nil
}

// Subscribe implements Directory.
func (d *Local) Subscribe(ctx context.Context, service, containerID string) error {
	_, err := d.subscribe(ctx, service, containerID, d.listServiceIPs)
	return err
}

// Unsubscribe implements Directory.
func (d *Local) Unsubscribe(ctx context.Context, service, containerID string) error {
	_, err := d.unsubscribe(ctx, service, containerID)
	return err
}

// UnsubscribeAll implements Directory.
func (d *Local) UnsubscribeAll(ctx context.Context, containerID string) error {
	return d.unsubscribeAll(ctx, containerID)
}

// Reclaim implements Directory. Claims for containers outside the live set
// are dropped.
func (d *Local) Reclaim(ctx context.Context, liveContainers []string) error {
	live := make(map[string]bool, len(liveContainers))
	for _, cid := range liveContainers {
		live[cid] = true
	}

	var stale []string
	for ip, cid := range d.ipToContainer {
		if !live[cid] {
			stale = append(stale, ip)
		}
	}
	for _, ip := range stale {
		d.logger.Info("Reclaiming stale IP claim", "ip", ip, "container", d.ipToContainer[ip])
		if err := d.unpublish(ctx, ip); err != nil {
			return err
		}
	}
	return nil
}

// Deltas implements Directory; the local backend has no remote deltas.
func (d *Local) Deltas() <-chan Delta { return nil }

// HandleDelta implements Directory.
func (d *Local) HandleDelta(ctx context.Context, delta Delta) error {
	return d.updateIPService(ctx, delta.Service, delta.IP)
}

// Close implements Directory.
func (d *Local) Close() error { return nil }
