// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package projector

import (
	"reflect"
	"testing"

	"github.com/Matchlighter/Firewhale/internal/runtime"
)

func container(id, name string, labels map[string]string, networks map[string]runtime.NetworkEndpoint) *runtime.Container {
	return &runtime.Container{
		ID:              id,
		Names:           []string{"/" + name},
		State:           "running",
		Labels:          labels,
		NetworkSettings: runtime.NetworkSettings{Networks: networks},
	}
}

func TestFromContainerDefaults(t *testing.T) {
	c := container("aabbccddeeff00112233", "web", map[string]string{
		"firewhale.enabled": "true",
	}, map[string]runtime.NetworkEndpoint{
		"bridge": {IPAddress: "172.17.0.2", IPPrefixLen: 16},
	})

	w, err := FromContainer(c)
	if err != nil {
		t.Fatalf("FromContainer failed: %v", err)
	}
	if w.CID16 != "aabbccddeeff0011" {
		t.Errorf("unexpected truncated id: %s", w.CID16)
	}
	if !w.Enabled {
		t.Error("enabled label not applied")
	}
	if !w.PublishIPs {
		t.Error("publish defaults to true")
	}
	if w.ServiceName != "web" {
		t.Errorf("service should fall back to the container name, got %s", w.ServiceName)
	}
	if w.Networks["bridge"].IPAddress != "172.17.0.2" {
		t.Errorf("network attachment missing: %+v", w.Networks)
	}
}

func TestFromContainerServicePrecedence(t *testing.T) {
	cases := []struct {
		name   string
		labels map[string]string
		want   string
	}{
		{
			name: "explicit label wins",
			labels: map[string]string{
				"firewhale.service_name":       "custom",
				"com.docker.swarm.service.name": "proj_api",
				"com.docker.compose.service":    "api",
			},
			want: "custom",
		},
		{
			name: "swarm service already namespaced",
			labels: map[string]string{
				"com.docker.swarm.service.name": "proj_api",
				"com.docker.stack.namespace":    "proj",
			},
			want: "proj_api",
		},
		{
			name: "compose service gets the project prefix",
			labels: map[string]string{
				"com.docker.compose.service": "api",
				"com.docker.compose.project": "proj",
			},
			want: "proj_api",
		},
		{
			name:   "container name without namespace",
			labels: map[string]string{},
			want:   "ctr",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, err := FromContainer(container("aabbccddeeff00112233", "ctr", tc.labels, nil))
			if err != nil {
				t.Fatalf("FromContainer failed: %v", err)
			}
			if w.ServiceName != tc.want {
				t.Errorf("got service %q, want %q", w.ServiceName, tc.want)
			}
		})
	}
}

func TestFromContainerRuleLists(t *testing.T) {
	c := container("aabbccddeeff00112233", "web", map[string]string{
		"firewhale.enabled":  "true",
		"firewhale.outbound": `["tcp; 8.8.8.8; 53", "internet"]`,
		"firewhale.inbound":  "tcp; *; 443",
	}, nil)

	w, err := FromContainer(c)
	if err != nil {
		t.Fatalf("FromContainer failed: %v", err)
	}
	if !reflect.DeepEqual(w.Rules["outbound"], []string{"tcp; 8.8.8.8; 53", "internet"}) {
		t.Errorf("outbound list not parsed: %v", w.Rules["outbound"])
	}
	if !reflect.DeepEqual(w.Rules["inbound"], []string{"tcp; *; 443"}) {
		t.Errorf("single inbound rule not parsed: %v", w.Rules["inbound"])
	}
}

func TestFromContainerHostNetwork(t *testing.T) {
	c := container("aabbccddeeff00112233", "web", map[string]string{
		"firewhale.enabled": "true",
	}, map[string]runtime.NetworkEndpoint{
		"host": {},
	})

	w, err := FromContainer(c)
	if err != nil {
		t.Fatalf("FromContainer failed: %v", err)
	}
	if !w.HostNetwork {
		t.Error("host attachment not detected")
	}
}

func TestFromContainerBadLabel(t *testing.T) {
	c := container("aabbccddeeff00112233", "web", map[string]string{
		"firewhale.enabled": "not-a-bool",
	}, nil)
	if _, err := FromContainer(c); err == nil {
		t.Error("bad boolean label should fail")
	}

	c = container("aabbccddeeff00112233", "web", map[string]string{
		"firewhale.bogus": "1",
	}, nil)
	if _, err := FromContainer(c); err == nil {
		t.Error("unknown firewhale label should fail")
	}
}

func TestContainerIDFromChain(t *testing.T) {
	cases := map[string]string{
		"firewhale-container-DEADBEEFDEADBEEF-inbound": "DEADBEEFDEADBEEF",
		"firewhale-container-aabbccddeeff0011-outbound": "aabbccddeeff0011",
		"firewhale":     "",
		"DOCKER-USER":   "",
		"firewhale-out": "",
	}
	for chain, want := range cases {
		if got := ContainerIDFromChain(chain); got != want {
			t.Errorf("ContainerIDFromChain(%q) = %q, want %q", chain, got, want)
		}
	}
}
