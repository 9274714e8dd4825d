// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nft

import (
	"context"
	"reflect"
	"strings"
)

// ListTableObjects returns every object of a table.
func ListTableObjects(ctx context.Context, t Transport, table Table) ([]Object, error) {
	return t.Submit(ctx, Batch{ListTable(table)}, Strict)
}

// ListTableChains returns the chains of a table.
func ListTableChains(ctx context.Context, t Transport, table Table) ([]Chain, error) {
	objs, err := ListTableObjects(ctx, t, table)
	if err != nil {
		return nil, err
	}
	var chains []Chain
	for _, o := range objs {
		if o.Chain != nil && o.Chain.Table == table.Name {
			chains = append(chains, *o.Chain)
		}
	}
	return chains, nil
}

// ListChainRules returns the rules of a chain.
func ListChainRules(ctx context.Context, t Transport, chain Chain) ([]Rule, error) {
	objs, err := t.Submit(ctx, Batch{ListChain(chain)}, Strict)
	if err != nil {
		return nil, err
	}
	var rules []Rule
	for _, o := range objs {
		if o.Rule != nil && o.Rule.Table == chain.Table && o.Rule.Chain == chain.Name {
			rules = append(rules, *o.Rule)
		}
	}
	return rules, nil
}

// GetMapElements returns the elements of a verdict map.
func GetMapElements(ctx context.Context, t Transport, m Map) ([]MapElement, error) {
	objs, err := t.Submit(ctx, Batch{ListMap(m)}, Strict)
	if err != nil {
		return nil, err
	}
	for _, o := range objs {
		if o.Map != nil && o.Map.Name == m.Name {
			return o.MapElems, nil
		}
	}
	return nil, nil
}

// NormalizeTag brackets a tag: "firewhale" -> "[firewhale]".
func NormalizeTag(tag string) string {
	if !strings.HasPrefix(tag, "[") {
		tag = "[" + tag
	}
	if !strings.HasSuffix(tag, "]") {
		tag = tag + "]"
	}
	return tag
}

// RulesEqual compares two rules. With byComment, rules with equal non-empty
// comments are considered equal regardless of their expressions.
func RulesEqual(a, b Rule, byComment bool) bool {
	if a.Table != b.Table || a.Chain != b.Chain {
		return false
	}
	if byComment && a.Comment != "" && a.Comment == b.Comment {
		return true
	}
	if a.Comment != b.Comment {
		return false
	}
	return reflect.DeepEqual(a.Exprs, b.Exprs)
}

// FindMatchingRule returns the first rule in rules matching r, or nil.
func FindMatchingRule(rules []Rule, r Rule, byComment bool) *Rule {
	for i := range rules {
		if RulesEqual(rules[i], r, byComment) {
			return &rules[i]
		}
	}
	return nil
}

// SyncChainRules makes the tagged portion of a chain match the desired rules.
//
// Desired rule comments are prefixed with the tag; existing tagged rules with
// a matching comment but different expressions are replaced in place, missing
// rules are inserted, and tagged rules not in the desired list are deleted.
// Untagged rules in the chain are never touched.
func SyncChainRules(ctx context.Context, t Transport, chain Chain, rules []Rule, tag string) error {
	current, err := ListChainRules(ctx, t, chain)
	if err != nil {
		return err
	}

	tag = NormalizeTag(tag)
	var tagged []Rule
	for _, r := range current {
		if strings.HasPrefix(r.Comment, tag) {
			tagged = append(tagged, r)
		}
	}

	unmatched := make(map[uint64]Rule, len(tagged))
	for _, r := range tagged {
		unmatched[r.Handle] = r
	}

	var batch Batch
	for _, want := range rules {
		want = RuleForChain(chain, want)
		if want.Comment != "" && !strings.HasPrefix(want.Comment, tag) {
			want.Comment = tag + " " + want.Comment
		} else if want.Comment == "" {
			want.Comment = tag
		}

		existing := FindMatchingRule(tagged, want, true)
		if existing == nil {
			batch = append(batch, InsertRule(want))
			continue
		}
		delete(unmatched, existing.Handle)
		if !RulesEqual(*existing, want, false) {
			want.Handle = existing.Handle
			batch = append(batch, ReplaceRule(want))
		}
	}

	for _, old := range unmatched {
		batch = append(batch, DeleteRule(old))
	}

	if len(batch) == 0 {
		return nil
	}
	_, err = t.Submit(ctx, batch, Strict)
	return err
}

// RemoveTaggedRules deletes every rule in the chain whose comment starts with
// the tag.
func RemoveTaggedRules(ctx context.Context, t Transport, chain Chain, tag string) error {
	current, err := ListChainRules(ctx, t, chain)
	if err != nil {
		return err
	}
	tag = NormalizeTag(tag)

	var batch Batch
	for _, r := range current {
		if strings.HasPrefix(r.Comment, tag) {
			batch = append(batch, DeleteRule(r))
		}
	}
	if len(batch) == 0 {
		return nil
	}
	_, err = t.Submit(ctx, batch, BestEffort)
	return err
}
