// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package controller

import (
	"context"
	"testing"

	"github.com/Matchlighter/Firewhale/internal/logging"
	"github.com/Matchlighter/Firewhale/internal/nft"
	"github.com/Matchlighter/Firewhale/internal/nft/nfttest"
)

func seededFake(t *testing.T) (*nfttest.Fake, context.Context) {
	t.Helper()
	fake := nfttest.New()
	ctx := context.Background()
	_, err := fake.Submit(ctx, nft.Batch{
		nft.AddTable(nft.Table{Family: "ip", Name: "filter"}),
		nft.AddChain(DockerUserChain),
	}, nft.Strict)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return fake, ctx
}

func TestInitializeCoreChainsFromScratch(t *testing.T) {
	fake, ctx := seededFake(t)

	if err := initializeCoreChains(ctx, fake); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	if !fake.HasChain("firewhale") {
		t.Fatal("core chain missing")
	}
	if fake.MapElements("firewhale-outbound") == nil {
		t.Error("outbound map missing")
	}
	if fake.MapElements("firewhale-inbound") == nil {
		t.Error("inbound map missing")
	}

	rules := fake.ChainRules("firewhale")
	if len(rules) != 3 {
		t.Fatalf("expected 3 core rules, got %d", len(rules))
	}
}

func TestInitializeCoreChainsRemovesExtraTaggedRules(t *testing.T) {
	fake, ctx := seededFake(t)

	// Two stale tagged copies of the bounce rule.
	_, err := fake.Submit(ctx, nft.Batch{
		nft.AddRule(nft.RuleForChain(DockerUserChain, nft.Rule{
			Comment: "[firewhale] stale one",
			Exprs:   []nft.Expr{nft.Jump{Target: "firewhale"}},
		})),
		nft.AddRule(nft.RuleForChain(DockerUserChain, nft.Rule{
			Comment: "[firewhale] stale two",
			Exprs:   []nft.Expr{nft.Drop{}},
		})),
	}, nft.Strict)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := initializeCoreChains(ctx, fake); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	tagged := 0
	for _, r := range fake.ChainRules("DOCKER-USER") {
		if len(r.Comment) >= len(Tag) && r.Comment[:len(Tag)] == Tag {
			tagged++
			if r.Comment != "[firewhale] Jump to Firewhale Chain" {
				t.Errorf("stale tagged rule survived: %q", r.Comment)
			}
		}
	}
	if tagged != 1 {
		t.Errorf("expected exactly one tagged rule, got %d", tagged)
	}
}

func TestFullCleanup(t *testing.T) {
	fake, ctx := seededFake(t)

	if err := initializeCoreChains(ctx, fake); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	_, err := fake.Submit(ctx, nft.Batch{
		nft.AddChain(nft.Chain{Family: "ip", Table: "filter", Name: "firewhale-container-AAAA000000000001-outbound"}),
		nft.AddSet(nft.Set{Family: "ip", Table: "filter", Name: "firewhale-service:api.web:ip", KeyType: "ipv4_addr"}),
	}, nft.Strict)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	logger := logging.New(logging.Config{Level: "error"})
	if err := FullCleanup(ctx, fake, logger); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	if fake.HasChain("firewhale") {
		t.Error("core chain survived cleanup")
	}
	if fake.HasChain("firewhale-container-AAAA000000000001-outbound") {
		t.Error("container chain survived cleanup")
	}
	if fake.MapElements("firewhale-outbound") != nil {
		t.Error("dispatch map survived cleanup")
	}
	if fake.HasSet("firewhale-service:api.web:ip") {
		t.Error("service set survived cleanup")
	}
	if !fake.HasChain("DOCKER-USER") {
		t.Error("cleanup must not touch the ingress chain itself")
	}
	for _, r := range fake.ChainRules("DOCKER-USER") {
		if len(r.Comment) >= len(Tag) && r.Comment[:len(Tag)] == Tag {
			t.Errorf("tagged rule survived cleanup: %q", r.Comment)
		}
	}
}
