// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package controller

import (
	"context"
	"strings"

	"github.com/Matchlighter/Firewhale/internal/errors"
	"github.com/Matchlighter/Firewhale/internal/logging"
	"github.com/Matchlighter/Firewhale/internal/nft"
	"github.com/Matchlighter/Firewhale/internal/projector"
	"github.com/Matchlighter/Firewhale/internal/rules"
)

var (
	// FirewhaleChain is the per-host entry chain traffic bounces into.
	FirewhaleChain = nft.Chain{Family: nft.FamilyIPv4, Table: "filter", Name: "firewhale"}

	// DockerUserChain is the orchestrator's ingress chain the bounce rule
	// is installed in.
	DockerUserChain = nft.Chain{Family: nft.FamilyIPv4, Table: "filter", Name: "DOCKER-USER"}
)

// Tag marks every rule firewhale owns inside chains it does not own.
const Tag = "[firewhale]"

func bounceRule() nft.Rule {
	return nft.Rule{
		Comment: "Jump to Firewhale Chain",
		Exprs:   []nft.Expr{nft.Jump{Target: FirewhaleChain.Name}},
	}
}

func establishedRule() nft.Rule {
	return nft.RuleForChain(FirewhaleChain, nft.Rule{
		Comment: "Allow Established Connections",
		Exprs: []nft.Expr{
			nft.Match{
				Op:    "in",
				Left:  nft.CT{Key: "state"},
				Right: nft.ValueSet{Values: []any{"established", "related"}},
			},
			nft.Counter{},
			nft.Return{},
		},
	})
}

func dispatchRule(dir rules.Direction) nft.Rule {
	return nft.RuleForChain(FirewhaleChain, nft.Rule{
		Comment: "Jump to container " + capitalize(dir.Name) + " Chain",
		Exprs:   []nft.Expr{nft.Vmap{Key: dir.MapKey(), Map: dir.MapName()}},
	})
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// initializeCoreChains ensures the filter table, verdict maps and core chain
// exist, rebuilds the core chain's rules, and synchronizes the tagged bounce
// rule in the orchestrator's ingress chain.
func initializeCoreChains(ctx context.Context, transport nft.Transport) error {
	chains, err := nft.ListTableChains(ctx, transport, projector.TableFilter)
	if err != nil {
		return errors.Wrap(err, errors.KindTransport, "failed to list filter table")
	}

	var dockerUser *nft.Chain
	for i := range chains {
		if chains[i].Name == DockerUserChain.Name {
			dockerUser = &chains[i]
			break
		}
	}
	if dockerUser == nil {
		return errors.New(errors.KindConfig, "DOCKER-USER chain not found")
	}

	batch := nft.Batch{nft.AddTable(projector.TableFilter)}
	for _, dir := range rules.Directions {
		batch = append(batch, nft.AddMap(nft.Map{
			Family:  nft.FamilyIPv4,
			Table:   projector.TableFilter.Name,
			Name:    dir.MapName(),
			KeyType: "ipv4_addr",
			MapType: "verdict",
		}))
	}
	batch = append(batch,
		nft.AddChain(FirewhaleChain),
		nft.FlushChain(FirewhaleChain),
		nft.AddRule(establishedRule()),
	)
	for _, dir := range rules.Directions {
		batch = append(batch, nft.AddRule(dispatchRule(dir)))
	}

	if _, err := transport.Submit(ctx, batch, nft.Strict); err != nil {
		return err
	}

	return nft.SyncChainRules(ctx, transport, DockerUserChain, []nft.Rule{bounceRule()}, Tag)
}

// cleanupOrphans removes per-container chains whose container is no longer
// live, and purges their entries from the dispatch maps.
func cleanupOrphans(ctx context.Context, transport nft.Transport, live map[string]bool, logger *logging.Logger) error {
	chains, err := nft.ListTableChains(ctx, transport, projector.TableFilter)
	if err != nil {
		return err
	}

	dead := make(map[string]bool)
	var deadChains []nft.Chain
	for _, chain := range chains {
		cid := projector.ContainerIDFromChain(chain.Name)
		if cid == "" || live[cid] {
			continue
		}
		dead[cid] = true
		deadChains = append(deadChains, chain)
	}
	if len(deadChains) == 0 {
		return nil
	}

	var batch nft.Batch

	// Map entries must go before their target chains can be deleted.
	for _, dir := range rules.Directions {
		m := nft.Map{Family: nft.FamilyIPv4, Table: projector.TableFilter.Name, Name: dir.MapName()}
		elems, err := nft.GetMapElements(ctx, transport, m)
		if err != nil {
			return err
		}
		var stale []string
		for _, elem := range elems {
			if dead[projector.ContainerIDFromChain(elem.Verdict.Target)] {
				stale = append(stale, elem.Key)
			}
		}
		batch = append(batch, nft.DeleteElement(nft.Element{
			Family:   nft.FamilyIPv4,
			Table:    projector.TableFilter.Name,
			Name:     dir.MapName(),
			SetElems: stale,
		}))
	}

	for _, chain := range deadChains {
		logger.Info("Cleaning up orphaned chain", "chain", chain.Name)
		batch = append(batch, nft.FlushChain(chain), nft.DeleteChain(chain))
	}

	_, err = transport.Submit(ctx, batch, nft.BestEffort)
	return err
}

// FullCleanup removes every firewhale chain, map, set, and tagged rule.
// It runs best-effort throughout: partial state is expected.
func FullCleanup(ctx context.Context, transport nft.Transport, logger *logging.Logger) error {
	// The bounce rule goes first so nothing dispatches into state being
	// torn down.
	if err := nft.RemoveTaggedRules(ctx, transport, DockerUserChain, Tag); err != nil {
		logger.WithError(err).Warn("Failed to remove tagged rules from ingress chain")
	}

	objs, err := nft.ListTableObjects(ctx, transport, projector.TableFilter)
	if err != nil {
		return errors.Wrap(err, errors.KindTransport, "failed to list filter table")
	}

	var batch nft.Batch

	// Flush everything first to break cross-references, then delete.
	batch = append(batch, nft.FlushChain(FirewhaleChain))
	for _, o := range objs {
		if o.Chain != nil && strings.HasPrefix(o.Chain.Name, projector.ChainPrefix) {
			batch = append(batch, nft.FlushChain(*o.Chain))
		}
	}
	for _, o := range objs {
		if o.Chain != nil && strings.HasPrefix(o.Chain.Name, projector.ChainPrefix) {
			batch = append(batch, nft.DeleteChain(*o.Chain))
		}
	}
	batch = append(batch, nft.DeleteChain(FirewhaleChain))
	for _, dir := range rules.Directions {
		m := nft.Map{Family: nft.FamilyIPv4, Table: projector.TableFilter.Name, Name: dir.MapName()}
		batch = append(batch, nft.FlushMap(m), nft.DeleteMap(m))
	}
	for _, o := range objs {
		if o.Set != nil && strings.HasPrefix(o.Set.Name, "firewhale-service:") {
			batch = append(batch, nft.DeleteSet(*o.Set))
		}
	}

	_, err = transport.Submit(ctx, batch, nft.BestEffort)
	return err
}
