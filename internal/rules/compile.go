// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Matchlighter/Firewhale/internal/errors"
	"github.com/Matchlighter/Firewhale/internal/nft"
)

// Network is one network attachment of the container a rule belongs to.
type Network struct {
	IPAddress string
	PrefixLen int
}

// Context carries the container attributes peer resolution depends on.
type Context struct {
	// Networks maps full network names to the container's attachments.
	Networks map[string]Network
	// Namespace is the compose project or stack namespace, if any.
	Namespace string
}

// FullNetworkName resolves a short network name against the container's
// attachments: a verbatim match wins, then the namespace-prefixed name.
// Unresolvable names are returned unchanged.
func (c Context) FullNetworkName(name string) string {
	if _, ok := c.Networks[name]; ok {
		return name
	}
	if c.Namespace != "" {
		prefixed := c.Namespace + "_" + name
		if _, ok := c.Networks[prefixed]; ok {
			return prefixed
		}
	}
	return name
}

var localNetworks = []nft.Prefix{
	{Addr: "10.0.0.0", Len: 8},
	{Addr: "192.168.0.0", Len: 16},
	{Addr: "172.16.0.0", Len: 12},
}

var (
	networkPeerRe = regexp.MustCompile(`^\*\.([\w-]+)$`)
	servicePeerRe = regexp.MustCompile(`^(?:([\w-]+):)?([\w-]+)\.([\w-]+)$`)
	hostPeerRe    = regexp.MustCompile(`^(\d+\.\d+\.\d+\.\d+)(?:/(\d+))?$`)
	rangePeerRe   = regexp.MustCompile(`^(\d+\.\d+\.\d+\.\d+)\s*-\s*(\d+\.\d+\.\d+\.\d+)$`)
)

// Compile translates a normalized rule into the expression list of one
// firewall rule for the given direction. Service peers are appended to refs
// as fully-qualified `<service>.<network>` identifiers.
func Compile(rule Rule, cc Context, dir Direction) (exprs []nft.Expr, refs []string, err error) {
	// Protocol match; both protocols when unspecified.
	var protoRight any
	if rule.Proto != "" {
		protoRight = rule.Proto
	} else {
		protoRight = nft.ValueSet{Values: []any{"tcp", "udp"}}
	}
	exprs = append(exprs, nft.Match{
		Op:    "==",
		Left:  nft.Payload{Protocol: "ip", Field: "protocol"},
		Right: protoRight,
	})

	peerExprs, refs, err := compilePeer(rule.Peer, cc, dir)
	if err != nil {
		return nil, nil, err
	}
	exprs = append(exprs, peerExprs...)

	if rule.SrcPort != "" {
		port, err := parsePort(rule.SrcPort)
		if err != nil {
			return nil, nil, err
		}
		exprs = append(exprs, nft.Match{
			Op:    "==",
			Left:  nft.Payload{Protocol: "tcp", Field: "sport"},
			Right: port,
		})
	}

	if rule.DstPort != "" {
		port, err := parsePort(rule.DstPort)
		if err != nil {
			return nil, nil, err
		}
		exprs = append(exprs, nft.Match{
			Op:    "==",
			Left:  nft.Payload{Protocol: "tcp", Field: "dport"},
			Right: port,
		})
	}

	if rule.Counter {
		exprs = append(exprs, nft.Counter{})
	}

	if rule.LogPrefix != "" {
		exprs = append(exprs, nft.Log{Prefix: rule.LogPrefix, Level: "info"})
	}

	// "Accept" is fall-through: return to the parent chain so evaluation
	// continues there. An explicit chain key redirects instead.
	if rule.Chain != "" {
		exprs = append(exprs, nft.Goto{Target: rule.Chain})
	} else {
		exprs = append(exprs, nft.Return{})
	}

	return exprs, refs, nil
}

func compilePeer(peer string, cc Context, dir Direction) ([]nft.Expr, []string, error) {
	if peer == "*" {
		return nil, nil, nil
	}

	addrPayload := nft.Payload{Protocol: "ip", Field: dir.AddrField}
	op := "=="

	if strings.HasPrefix(peer, "!") {
		op = "!="
		peer = peer[1:]
	}

	// "internet" is the complement of the private ranges.
	if peer == "internet" {
		if op == "==" {
			op = "!="
		} else {
			op = "=="
		}
		peer = "local-networks"
	}

	if peer == "local-networks" {
		var exprs []nft.Expr
		for _, prefix := range localNetworks {
			exprs = append(exprs, nft.Match{Op: op, Left: addrPayload, Right: prefix})
		}
		return exprs, nil, nil
	}

	if m := networkPeerRe.FindStringSubmatch(peer); m != nil {
		netName := cc.FullNetworkName(m[1])
		attachment, ok := cc.Networks[netName]
		if !ok {
			return nil, nil, errors.Errorf(errors.KindCompile, "network %s not attached", netName)
		}
		return []nft.Expr{nft.Match{
			Op:    op,
			Left:  addrPayload,
			Right: nft.Prefix{Addr: attachment.IPAddress, Len: attachment.PrefixLen},
		}}, nil, nil
	}

	if m := servicePeerRe.FindStringSubmatch(peer); m != nil {
		ns, service, netName := m[1], m[2], m[3]

		if ns == "" {
			ns = cc.Namespace
		}
		if ns != "" {
			service = ns + "_" + service
		}

		fullService := service + "." + cc.FullNetworkName(netName)
		return []nft.Expr{nft.Match{
			Op:    op,
			Left:  addrPayload,
			Right: nft.SetRef{Name: ServiceSetName(fullService)},
		}}, []string{fullService}, nil
	}

	if m := hostPeerRe.FindStringSubmatch(peer); m != nil {
		ip, prefixLen := m[1], m[2]
		var right any = ip
		if prefixLen != "" {
			plen, err := strconv.Atoi(prefixLen)
			if err != nil || plen > 32 {
				return nil, nil, errors.Errorf(errors.KindCompile, "invalid prefix length: %q", prefixLen)
			}
			right = nft.Prefix{Addr: ip, Len: plen}
		}
		return []nft.Expr{nft.Match{Op: op, Left: addrPayload, Right: right}}, nil, nil
	}

	if m := rangePeerRe.FindStringSubmatch(peer); m != nil {
		return []nft.Expr{nft.Match{
			Op:    op,
			Left:  addrPayload,
			Right: nft.Range{From: m[1], To: m[2]},
		}}, nil, nil
	}

	return nil, nil, errors.Errorf(errors.KindCompile, "unrecognized peer: %q", peer)
}

// parsePort parses a port expression: a bare integer, an inclusive lo-hi
// range, or a comma-separated set.
func parsePort(port string) (any, error) {
	if n, err := strconv.Atoi(port); err == nil {
		if n < 0 || n > 65535 {
			return nil, errors.Errorf(errors.KindCompile, "port out of range: %q", port)
		}
		return n, nil
	}

	if lo, hi, found := strings.Cut(port, "-"); found {
		lo, hi = strings.TrimSpace(lo), strings.TrimSpace(hi)
		if _, err := strconv.Atoi(lo); err == nil {
			if _, err := strconv.Atoi(hi); err == nil {
				return nft.Range{From: lo, To: hi}, nil
			}
		}
	}

	if strings.Contains(port, ",") {
		parts := strings.Split(port, ",")
		vs := nft.ValueSet{}
		for _, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, errors.Errorf(errors.KindCompile, "invalid port: %q", port)
			}
			vs.Values = append(vs.Values, n)
		}
		return vs, nil
	}

	return nil, errors.Errorf(errors.KindCompile, "invalid port: %q", port)
}
