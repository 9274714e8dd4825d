// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rules parses the firewhale label mini-language and compiles rule
// records into firewall expression trees.
package rules

import (
	"strconv"
	"strings"

	"github.com/Matchlighter/Firewhale/internal/errors"
)

var validProtocols = map[string]bool{
	"tcp": true,
	"udp": true,
}

var keyAliases = map[string]string{
	"sport": "src_port",
	"dport": "dst_port",
}

// Rule is one normalized rule record.
//
//	tcp; caddy.web; 80; sport:8000-9000; chain:extra-checks
type Rule struct {
	Proto     string
	Peer      string
	SrcPort   string
	DstPort   string
	Counter   bool
	LogPrefix string
	Chain     string
}

// Normalize parses a rule string: a semicolon-separated token list with the
// positional prefix [proto;] peer [;[:]dst_port] followed by key:value pairs.
func Normalize(raw string) (Rule, error) {
	bits := strings.Split(raw, ";")
	for i := range bits {
		bits[i] = strings.TrimSpace(bits[i])
	}

	var rule Rule

	// Protocol (optional)
	if len(bits) > 0 && validProtocols[strings.ToLower(bits[0])] {
		rule.Proto = strings.ToLower(bits[0])
		bits = bits[1:]
	}

	// Peer
	if len(bits) == 0 || bits[0] == "" {
		return Rule{}, errors.Errorf(errors.KindCompile, "rule %q has no peer", raw)
	}
	rule.Peer = bits[0]
	bits = bits[1:]

	// Destination port (optional, positionally or with a leading colon)
	if len(bits) > 0 && !strings.Contains(bits[0], ":") {
		rule.DstPort = bits[0]
		bits = bits[1:]
	} else if len(bits) > 0 && strings.HasPrefix(bits[0], ":") {
		rule.DstPort = bits[0][1:]
		bits = bits[1:]
	}

	// Key-value pairs
	for _, bit := range bits {
		if bit == "" {
			continue
		}
		left, right, found := strings.Cut(bit, ":")
		if !found || left == "" || right == "" {
			return Rule{}, errors.Errorf(errors.KindCompile, "invalid key-value pair: %q", bit)
		}
		if alias, ok := keyAliases[left]; ok {
			left = alias
		}
		switch left {
		case "src_port":
			rule.SrcPort = right
		case "dst_port":
			rule.DstPort = right
		case "chain":
			rule.Chain = right
		case "log_prefix":
			rule.LogPrefix = right
		case "counter":
			enabled, err := strconv.ParseBool(right)
			if err != nil {
				return Rule{}, errors.Errorf(errors.KindCompile, "invalid counter value: %q", right)
			}
			rule.Counter = enabled
		default:
			return Rule{}, errors.Errorf(errors.KindCompile, "unknown rule key: %q", left)
		}
	}

	return rule, nil
}
