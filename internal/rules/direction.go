// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import "github.com/Matchlighter/Firewhale/internal/nft"

// Direction is one traffic direction a container chain filters.
type Direction struct {
	// Name is the label key and chain suffix ("outbound", "inbound").
	Name string
	// AddrField is the IP header field peers are matched on.
	AddrField string
}

var (
	Outbound = Direction{Name: "outbound", AddrField: "daddr"}
	Inbound  = Direction{Name: "inbound", AddrField: "saddr"}

	// Directions is every direction, in dispatch order.
	Directions = []Direction{Outbound, Inbound}
)

// MapName returns the verdict map dispatching this direction.
func (d Direction) MapName() string {
	return "firewhale-" + d.Name
}

// MapKey returns the payload expression keying the direction's verdict map.
func (d Direction) MapKey() nft.Payload {
	return nft.Payload{Protocol: "ip", Field: d.AddrField}
}

// ServiceSetName returns the kernel set mirroring a fully-qualified service.
func ServiceSetName(service string) string {
	return "firewhale-service:" + service + ":ip"
}
