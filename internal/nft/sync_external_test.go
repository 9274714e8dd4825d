// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nft_test

import (
	"context"
	"testing"

	"github.com/Matchlighter/Firewhale/internal/nft"
	"github.com/Matchlighter/Firewhale/internal/nft/nfttest"
)

var dockerUser = nft.Chain{Family: "ip", Table: "filter", Name: "DOCKER-USER"}

func bounce() nft.Rule {
	return nft.Rule{
		Comment: "Jump to Firewhale Chain",
		Exprs:   []nft.Expr{nft.Jump{Target: "firewhale"}},
	}
}

func setup(t *testing.T) (*nfttest.Fake, context.Context) {
	t.Helper()
	fake := nfttest.New()
	ctx := context.Background()
	if _, err := fake.Submit(ctx, nft.Batch{
		nft.AddTable(nft.Table{Family: "ip", Name: "filter"}),
		nft.AddChain(dockerUser),
	}, nft.Strict); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	return fake, ctx
}

func TestSyncChainRulesInsertsMissing(t *testing.T) {
	fake, ctx := setup(t)

	if err := nft.SyncChainRules(ctx, fake, dockerUser, []nft.Rule{bounce()}, "firewhale"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	rules := fake.ChainRules("DOCKER-USER")
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if rules[0].Comment != "[firewhale] Jump to Firewhale Chain" {
		t.Errorf("comment not tag-prefixed: %q", rules[0].Comment)
	}
}

func TestSyncChainRulesIdempotent(t *testing.T) {
	fake, ctx := setup(t)

	for i := 0; i < 2; i++ {
		if err := nft.SyncChainRules(ctx, fake, dockerUser, []nft.Rule{bounce()}, "firewhale"); err != nil {
			t.Fatalf("sync %d failed: %v", i, err)
		}
	}

	rules := fake.ChainRules("DOCKER-USER")
	if len(rules) != 1 {
		t.Fatalf("expected exactly 1 rule after two syncs, got %d", len(rules))
	}
}

func TestSyncChainRulesRemovesExtraneousTagged(t *testing.T) {
	fake, ctx := setup(t)

	// Pre-seed a stale tagged rule and an unrelated untagged one.
	_, err := fake.Submit(ctx, nft.Batch{
		nft.AddRule(nft.RuleForChain(dockerUser, nft.Rule{
			Comment: "[firewhale] old rule",
			Exprs:   []nft.Expr{nft.Drop{}},
		})),
		nft.AddRule(nft.RuleForChain(dockerUser, nft.Rule{
			Comment: "user rule",
			Exprs:   []nft.Expr{nft.Return{}},
		})),
	}, nft.Strict)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := nft.SyncChainRules(ctx, fake, dockerUser, []nft.Rule{bounce()}, "firewhale"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	rules := fake.ChainRules("DOCKER-USER")
	var tagged, untagged int
	for _, r := range rules {
		if r.Comment == "[firewhale] Jump to Firewhale Chain" {
			tagged++
		}
		if r.Comment == "user rule" {
			untagged++
		}
		if r.Comment == "[firewhale] old rule" {
			t.Error("stale tagged rule survived sync")
		}
	}
	if tagged != 1 {
		t.Errorf("expected exactly one bounce rule, got %d", tagged)
	}
	if untagged != 1 {
		t.Error("untagged rule must not be touched")
	}
}

func TestSyncChainRulesReplacesChangedExprs(t *testing.T) {
	fake, ctx := setup(t)

	_, err := fake.Submit(ctx, nft.Batch{
		nft.AddRule(nft.RuleForChain(dockerUser, nft.Rule{
			Comment: "[firewhale] Jump to Firewhale Chain",
			Exprs:   []nft.Expr{nft.Jump{Target: "old-chain"}},
		})),
	}, nft.Strict)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := nft.SyncChainRules(ctx, fake, dockerUser, []nft.Rule{bounce()}, "firewhale"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	rules := fake.ChainRules("DOCKER-USER")
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	jump, ok := rules[0].Exprs[0].(nft.Jump)
	if !ok || jump.Target != "firewhale" {
		t.Errorf("rule was not replaced: %#v", rules[0].Exprs)
	}
}

func TestRemoveTaggedRules(t *testing.T) {
	fake, ctx := setup(t)

	_, err := fake.Submit(ctx, nft.Batch{
		nft.AddRule(nft.RuleForChain(dockerUser, nft.Rule{Comment: "[firewhale] one", Exprs: []nft.Expr{nft.Drop{}}})),
		nft.AddRule(nft.RuleForChain(dockerUser, nft.Rule{Comment: "keep me", Exprs: []nft.Expr{nft.Return{}}})),
	}, nft.Strict)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := nft.RemoveTaggedRules(ctx, fake, dockerUser, "firewhale"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	rules := fake.ChainRules("DOCKER-USER")
	if len(rules) != 1 || rules[0].Comment != "keep me" {
		t.Errorf("unexpected rules after removal: %+v", rules)
	}
}
