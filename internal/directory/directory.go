// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package directory tracks which service every published container IP
// belongs to, and keeps kernel firewall sets mirrored to the services local
// containers subscribe to. The local backend is authoritative on its own;
// the redis backend coordinates the same state across a cluster.
package directory

import (
	"context"

	"github.com/Matchlighter/Firewhale/internal/logging"
	"github.com/Matchlighter/Firewhale/internal/nft"
	"github.com/Matchlighter/Firewhale/internal/rules"
)

// Delta is one service membership change delivered by a shared backend.
type Delta struct {
	Service string
	IP      string
}

// Directory is the service -> IP fabric.
//
// All methods are called from the controller dispatcher; implementations do
// not need internal locking of their tables.
type Directory interface {
	// Publish records that container holds ip under service. A prior claim
	// for the same IP is displaced.
	Publish(ctx context.Context, service, ip, containerID string) error

	// UnpublishContainer drops every claim held by the container.
	UnpublishContainer(ctx context.Context, containerID string) error

	// ListContainerIPs returns the IPs the container has published.
	ListContainerIPs(ctx context.Context, containerID string) ([]string, error)

	// Subscribe records the container's interest in a service. The kernel
	// set is created and populated on the first subscriber.
	Subscribe(ctx context.Context, service, containerID string) error

	// Unsubscribe drops the container's interest. The kernel set is deleted
	// when the last subscriber leaves.
	Unsubscribe(ctx context.Context, service, containerID string) error

	// UnsubscribeAll drops every subscription held by the container.
	UnsubscribeAll(ctx context.Context, containerID string) error

	// Reclaim drops stale claims attributed to this node whose container is
	// no longer in the live set.
	Reclaim(ctx context.Context, liveContainers []string) error

	// Deltas yields membership changes a shared store delivers; nil for
	// backends without remote deltas. The controller dispatches each value
	// back into HandleDelta on its own goroutine.
	Deltas() <-chan Delta

	// HandleDelta applies one delivered membership change to the mirrored
	// kernel sets.
	HandleDelta(ctx context.Context, delta Delta) error

	Close() error
}

// base carries the subscription bookkeeping and mirrored-set maintenance
// shared by both backends.
type base struct {
	transport nft.Transport
	logger    *logging.Logger

	// subscriptions links services to the containers interested in them.
	subscriptions *BiMultiMap[string, string]
	// ipServiceCache remembers each mirrored IP's service so attribution
	// changes can remove the IP from its prior set.
	ipServiceCache map[string]string
}

func newBase(transport nft.Transport, logger *logging.Logger) base {
	return base{
		transport:      transport,
		logger:         logger,
		subscriptions:  NewBiMultiMap[string, string](),
		ipServiceCache: make(map[string]string),
	}
}

func serviceSet(service string) nft.Set {
	return nft.Set{
		Family: nft.FamilyIPv4,
		Table:  "filter",
		Name:   rules.ServiceSetName(service),
	}
}

// subscribe adds a subscription, creating and filling the kernel set on the
// first subscriber. listIPs supplies the backend's current view of the
// service.
func (b *base) subscribe(ctx context.Context, service, containerID string, listIPs func(context.Context, string) ([]string, error)) (bool, error) {
	if !b.subscriptions.Add(service, containerID) {
		return false, nil
	}

	ips, err := listIPs(ctx, service)
	if err != nil {
		b.subscriptions.Remove(service, containerID)
		return false, err
	}

	set := serviceSet(service)
	set.KeyType = "ipv4_addr"
	set.Elements = ips
	if _, err := b.transport.Submit(ctx, nft.Batch{nft.AddSet(set)}, nft.Strict); err != nil {
		b.subscriptions.Remove(service, containerID)
		return false, err
	}

	for _, ip := range ips {
		b.ipServiceCache[ip] = service
	}
	b.logger.Info("Subscribed to service", "service", service, "container", containerID, "ips", len(ips))
	return true, nil
}

// unsubscribe removes a subscription, deleting the kernel set when the last
// subscriber leaves.
func (b *base) unsubscribe(ctx context.Context, service, containerID string) (bool, error) {
	if !b.subscriptions.Remove(service, containerID) {
		return false, nil
	}

	if _, err := b.transport.Submit(ctx, nft.Batch{nft.DeleteSet(serviceSet(service))}, nft.BestEffort); err != nil {
		b.logger.WithError(err).Warn("Failed to delete service set", "service", service)
	}
	for ip, svc := range b.ipServiceCache {
		if svc == service {
			delete(b.ipServiceCache, ip)
		}
	}
	b.logger.Info("Unsubscribed from service", "service", service, "container", containerID)
	return true, nil
}

func (b *base) unsubscribeAll(ctx context.Context, containerID string) error {
	for _, service := range b.subscriptions.GetByValue(containerID) {
		if _, err := b.unsubscribe(ctx, service, containerID); err != nil {
			return err
		}
	}
	return nil
}

// updateIPService applies the mirror update protocol for a change of an
// IP's service attribution. service is empty when the IP was unpublished.
// The cache is only advanced when the batch commits, so a failed update
// converges on retry.
func (b *base) updateIPService(ctx context.Context, service, ip string) error {
	var batch nft.Batch

	if prior, ok := b.ipServiceCache[ip]; ok && prior != service && b.subscriptions.HasKey(prior) {
		batch = append(batch, nft.DeleteElement(nft.Element{
			Family:   nft.FamilyIPv4,
			Table:    "filter",
			Name:     rules.ServiceSetName(prior),
			SetElems: []string{ip},
		}))
	}

	if service != "" && b.subscriptions.HasKey(service) {
		batch = append(batch, nft.AddElement(nft.Element{
			Family:   nft.FamilyIPv4,
			Table:    "filter",
			Name:     rules.ServiceSetName(service),
			SetElems: []string{ip},
		}))
	}

	if len(batch) > 0 {
		if _, err := b.transport.Submit(ctx, batch, nft.Strict); err != nil {
			return err
		}
	}

	if service != "" {
		b.ipServiceCache[ip] = service
	} else {
		delete(b.ipServiceCache, ip)
	}
	return nil
}
