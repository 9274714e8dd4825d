// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"testing"
)

func TestNormalizeFullForm(t *testing.T) {
	rule, err := Normalize("tcp; caddy.web; 80; sport:8000-9000; chain:extra-checks")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if rule.Proto != "tcp" {
		t.Errorf("expected proto tcp, got %q", rule.Proto)
	}
	if rule.Peer != "caddy.web" {
		t.Errorf("expected peer caddy.web, got %q", rule.Peer)
	}
	if rule.DstPort != "80" {
		t.Errorf("expected dst port 80, got %q", rule.DstPort)
	}
	if rule.SrcPort != "8000-9000" {
		t.Errorf("expected src port 8000-9000, got %q", rule.SrcPort)
	}
	if rule.Chain != "extra-checks" {
		t.Errorf("expected chain extra-checks, got %q", rule.Chain)
	}
}

func TestNormalizePeerOnly(t *testing.T) {
	rule, err := Normalize("internet")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if rule.Proto != "" || rule.Peer != "internet" || rule.DstPort != "" {
		t.Errorf("unexpected rule: %+v", rule)
	}
}

func TestNormalizeColonPort(t *testing.T) {
	rule, err := Normalize("udp; 8.8.8.8; :53")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if rule.DstPort != "53" {
		t.Errorf("expected dst port 53, got %q", rule.DstPort)
	}
	if rule.Proto != "udp" {
		t.Errorf("expected proto udp, got %q", rule.Proto)
	}
}

func TestNormalizeAliases(t *testing.T) {
	rule, err := Normalize("*; dport:443; sport:1024")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if rule.DstPort != "443" {
		t.Errorf("dport alias not applied: %+v", rule)
	}
	if rule.SrcPort != "1024" {
		t.Errorf("sport alias not applied: %+v", rule)
	}
}

func TestNormalizeCaseInsensitiveProto(t *testing.T) {
	rule, err := Normalize("TCP; 10.0.0.1")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if rule.Proto != "tcp" {
		t.Errorf("expected lowered proto, got %q", rule.Proto)
	}
}

func TestNormalizeCounter(t *testing.T) {
	rule, err := Normalize("1.2.3.4; counter:true; log_prefix:fw-hit")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if !rule.Counter {
		t.Error("expected counter enabled")
	}
	if rule.LogPrefix != "fw-hit" {
		t.Errorf("expected log prefix, got %q", rule.LogPrefix)
	}
}

func TestNormalizeErrors(t *testing.T) {
	for _, raw := range []string{
		"",
		"tcp; caddy.web; 80; badpair:",
		"tcp; caddy.web; 80; :novalue",
		"1.2.3.4; bogus_key:1",
		"1.2.3.4; counter:maybe",
	} {
		if _, err := Normalize(raw); err == nil {
			t.Errorf("Normalize(%q) should fail", raw)
		}
	}
}
