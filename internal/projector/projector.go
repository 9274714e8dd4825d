// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package projector

import (
	"context"
	"sort"
	"strings"

	"github.com/Matchlighter/Firewhale/internal/directory"
	"github.com/Matchlighter/Firewhale/internal/errors"
	"github.com/Matchlighter/Firewhale/internal/logging"
	"github.com/Matchlighter/Firewhale/internal/nft"
	"github.com/Matchlighter/Firewhale/internal/rules"
)

// TableFilter is the table all firewhale objects live in.
var TableFilter = nft.Table{Family: nft.FamilyIPv4, Name: "filter"}

// Projector maintains per-container firewall state.
type Projector struct {
	transport nft.Transport
	directory directory.Directory
	logger    *logging.Logger
}

// New creates a projector over the given transport and directory.
func New(transport nft.Transport, dir directory.Directory, logger *logging.Logger) *Projector {
	return &Projector{
		transport: transport,
		directory: dir,
		logger:    logger.WithComponent("projector"),
	}
}

// Apply projects the workload: per-direction chains, dispatch map entries,
// service subscriptions, and IP publication.
func (p *Projector) Apply(ctx context.Context, w *Workload) error {
	if w.HostNetwork {
		return errors.Errorf(errors.KindConfig, "container %s is running in host network mode", w.Name)
	}
	if !w.Enabled {
		return nil
	}

	addrs := w.Addresses()
	sort.Strings(addrs)

	var batch nft.Batch
	referenced := make(map[string]bool)

	for _, dir := range rules.Directions {
		chainName := w.DirectionChain(dir)
		chain := nft.Chain{Family: nft.FamilyIPv4, Table: TableFilter.Name, Name: chainName}

		// Create-or-clear, so re-applying is safe.
		batch = append(batch, nft.AddChain(chain), nft.FlushChain(chain))

		var mapElems []nft.MapElement
		for _, addr := range addrs {
			mapElems = append(mapElems, nft.MapElement{
				Key:     addr,
				Verdict: nft.Verdict{Kind: "jump", Target: chainName},
			})
		}
		batch = append(batch, nft.AddElement(nft.Element{
			Family:   nft.FamilyIPv4,
			Table:    TableFilter.Name,
			Name:     dir.MapName(),
			MapElems: mapElems,
		}))

		for _, raw := range w.Rules[dir.Name] {
			rule, err := rules.Normalize(raw)
			if err == nil {
				var exprs []nft.Expr
				var refs []string
				exprs, refs, err = rules.Compile(rule, w.CompileContext(), dir)
				if err == nil {
					batch = append(batch, nft.AddRule(nft.RuleForChain(chain, nft.Rule{Exprs: exprs})))
					for _, ref := range refs {
						referenced[ref] = true
					}
				}
			}
			if err != nil {
				// A bad rule fails alone; the rest of the container still
				// projects.
				p.logger.WithError(err).Error("Failed to compile rule",
					"container", w.Name, "direction", dir.Name, "rule", raw)
			}
		}

		batch = append(batch, nft.AddRule(nft.RuleForChain(chain, nft.Rule{
			Exprs: []nft.Expr{nft.Drop{}},
		})))
	}

	// Subscriptions first: the rules submitted below reference the service
	// sets by name, so the sets must exist when the batch commits.
	services := make([]string, 0, len(referenced))
	for svc := range referenced {
		services = append(services, svc)
	}
	sort.Strings(services)
	for _, svc := range services {
		if err := p.directory.Subscribe(ctx, svc, w.CID16); err != nil {
			return errors.Wrapf(err, errors.GetKind(err), "failed to subscribe %s to %s", w.Name, svc)
		}
	}

	if _, err := p.transport.Submit(ctx, batch, nft.Strict); err != nil {
		return err
	}

	if w.PublishIPs {
		for netName, attachment := range w.Networks {
			service := w.ServiceName + "." + netName
			if err := p.directory.Publish(ctx, service, attachment.IPAddress, w.CID16); err != nil {
				return err
			}
		}
	}

	return nil
}

// Destroy removes every trace of the container: map entries, chains,
// subscriptions and published IPs. The container is already gone, so
// failures are logged and swallowed.
func (p *Projector) Destroy(ctx context.Context, cid16 string) {
	prefix := ChainPrefix + cid16

	addrs, err := p.directory.ListContainerIPs(ctx, cid16)
	if err != nil {
		p.logger.WithError(err).Warn("Could not list published IPs for teardown", "container", cid16)
	}

	var batch nft.Batch
	for _, dir := range rules.Directions {
		batch = append(batch, nft.DeleteElement(nft.Element{
			Family:   nft.FamilyIPv4,
			Table:    TableFilter.Name,
			Name:     dir.MapName(),
			SetElems: addrs,
		}))
	}

	chains, err := nft.ListTableChains(ctx, p.transport, TableFilter)
	if err != nil {
		p.logger.WithError(err).Warn("Could not list chains for teardown", "container", cid16)
	}
	for _, chain := range chains {
		if strings.HasPrefix(chain.Name, prefix) {
			batch = append(batch, nft.FlushChain(chain), nft.DeleteChain(chain))
		}
	}

	if _, err := p.transport.Submit(ctx, batch, nft.BestEffort); err != nil {
		p.logger.WithError(err).Warn("Teardown batch failed", "container", cid16)
	}

	if err := p.directory.UnsubscribeAll(ctx, cid16); err != nil {
		p.logger.WithError(err).Warn("Failed to drop subscriptions", "container", cid16)
	}
	if err := p.directory.UnpublishContainer(ctx, cid16); err != nil {
		p.logger.WithError(err).Warn("Failed to unpublish IPs", "container", cid16)
	}
}
