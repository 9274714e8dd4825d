// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package runtime

import (
	"strings"
	"testing"
)

func TestParseContainers(t *testing.T) {
	jsonResp := `[
		{
			"Id": "8dfafdbc3a40b2a7c5d9e8f1a2b3c4d5",
			"Names": ["/boring_feynman"],
			"Image": "ubuntu:latest",
			"State": "running",
			"Status": "Up 2 hours",
			"NetworkSettings": {
				"Networks": {
					"bridge": {
						"IPAddress": "172.17.0.2",
						"IPPrefixLen": 16,
						"Gateway": "172.17.0.1",
						"MacAddress": "02:42:ac:11:00:02"
					}
				}
			},
			"Labels": {
				"firewhale.enabled": "true",
				"com.docker.compose.project": "demo"
			}
		}
	]`

	reader := strings.NewReader(jsonResp)
	containers, err := parseContainers(reader)
	if err != nil {
		t.Fatalf("Failed to parse containers: %v", err)
	}

	if len(containers) != 1 {
		t.Errorf("Expected 1 container, got %d", len(containers))
	}

	c := containers[0]
	if c.ID != "8dfafdbc3a40b2a7c5d9e8f1a2b3c4d5" {
		t.Errorf("Expected full ID, got %s", c.ID)
	}
	if c.Name() != "boring_feynman" {
		t.Errorf("Expected name boring_feynman, got %s", c.Name())
	}
	if c.NetworkSettings.Networks["bridge"].IPAddress != "172.17.0.2" {
		t.Errorf("Expected IP 172.17.0.2, got %s", c.NetworkSettings.Networks["bridge"].IPAddress)
	}
	if c.NetworkSettings.Networks["bridge"].IPPrefixLen != 16 {
		t.Errorf("Expected prefix length 16, got %d", c.NetworkSettings.Networks["bridge"].IPPrefixLen)
	}
	if c.Labels["firewhale.enabled"] != "true" {
		t.Errorf("Expected firewhale.enabled label, got %v", c.Labels)
	}
}

func TestParseContainerInspect(t *testing.T) {
	// Inspect nests labels under Config and uses a bare Name; a created
	// container already carries its network allocations.
	jsonResp := `{
		"Id": "8dfafdbc3a40b2a7c5d9e8f1a2b3c4d5",
		"Name": "/boring_feynman",
		"Image": "ubuntu:latest",
		"State": {"Status": "created"},
		"Config": {
			"Labels": {
				"firewhale.enabled": "true"
			}
		},
		"NetworkSettings": {
			"Networks": {
				"web": {
					"IPAddress": "10.1.0.3",
					"IPPrefixLen": 24
				}
			}
		}
	}`

	c, err := parseContainerInspect(strings.NewReader(jsonResp))
	if err != nil {
		t.Fatalf("Failed to parse inspect response: %v", err)
	}

	if c.ID != "8dfafdbc3a40b2a7c5d9e8f1a2b3c4d5" {
		t.Errorf("Expected full ID, got %s", c.ID)
	}
	if c.Name() != "boring_feynman" {
		t.Errorf("Expected name boring_feynman, got %s", c.Name())
	}
	if c.State != "created" {
		t.Errorf("Expected state created, got %s", c.State)
	}
	if c.Labels["firewhale.enabled"] != "true" {
		t.Errorf("Labels not lifted from Config: %v", c.Labels)
	}
	if c.NetworkSettings.Networks["web"].IPAddress != "10.1.0.3" {
		t.Errorf("Expected IP 10.1.0.3, got %s", c.NetworkSettings.Networks["web"].IPAddress)
	}
}

func TestInfoInSwarm(t *testing.T) {
	info := &Info{Swarm: Swarm{LocalNodeState: "active"}}
	if !info.InSwarm() {
		t.Error("active node state should report in-swarm")
	}

	info = &Info{Swarm: Swarm{LocalNodeState: "inactive"}}
	if info.InSwarm() {
		t.Error("inactive node state should not report in-swarm")
	}

	info = &Info{}
	if info.InSwarm() {
		t.Error("empty swarm state should not report in-swarm")
	}
}

func TestContainerNameFallsBackToID(t *testing.T) {
	c := &Container{ID: "abc123"}
	if c.Name() != "abc123" {
		t.Errorf("expected ID fallback, got %s", c.Name())
	}
}
