// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package projector owns the projection of one container's labelled intent
// into per-container firewall chains, dispatch map entries, and service
// subscriptions.
package projector

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Matchlighter/Firewhale/internal/errors"
	"github.com/Matchlighter/Firewhale/internal/rules"
	"github.com/Matchlighter/Firewhale/internal/runtime"
)

const (
	// LabelPrefix namespaces every firewhale label.
	LabelPrefix = "firewhale."

	labelEnabled     = "firewhale.enabled"
	labelServiceName = "firewhale.service_name"
	labelPublishIPs  = "firewhale.publish_ips"

	labelSwarmService   = "com.docker.swarm.service.name"
	labelComposeService = "com.docker.compose.service"
	labelComposeProject = "com.docker.compose.project"
	labelStackNamespace = "com.docker.stack.namespace"

	// ChainPrefix starts every per-container chain name. The container id
	// is the third dash-separated component; orphan cleanup depends on it.
	ChainPrefix = "firewhale-container-"

	// cidLen is how much of the container id chain names carry. The prefix
	// must be unique among live enabled containers.
	cidLen = 16
)

// Workload is the derived view of one container the projector operates on.
type Workload struct {
	ID          string
	CID16       string
	Name        string
	ServiceName string
	Namespace   string
	Enabled     bool
	PublishIPs  bool
	HostNetwork bool

	// Networks maps full network names to attachments with an address.
	Networks map[string]rules.Network

	// Rules holds the raw rule strings per direction name.
	Rules map[string][]string
}

// FromContainer derives a workload from a runtime container record.
func FromContainer(c *runtime.Container) (*Workload, error) {
	w := &Workload{
		ID:         c.ID,
		CID16:      truncateID(c.ID),
		Name:       c.Name(),
		Enabled:    false,
		PublishIPs: true,
		Networks:   make(map[string]rules.Network),
		Rules:      make(map[string][]string),
	}

	for name, ep := range c.NetworkSettings.Networks {
		if name == "host" {
			w.HostNetwork = true
		}
		if ep.IPAddress == "" {
			continue
		}
		w.Networks[name] = rules.Network{IPAddress: ep.IPAddress, PrefixLen: ep.IPPrefixLen}
	}

	for _, key := range []string{labelComposeProject, labelStackNamespace} {
		if ns, ok := c.Labels[key]; ok && ns != "" {
			w.Namespace = ns
			break
		}
	}

	w.ServiceName = c.Name()
	explicitService := false
	if svc, ok := c.Labels[labelServiceName]; ok && svc != "" {
		w.ServiceName = svc
		explicitService = true
	} else if svc, ok := c.Labels[labelSwarmService]; ok && svc != "" {
		// Swarm service names already carry the stack prefix.
		w.ServiceName = svc
		explicitService = true
	} else if svc, ok := c.Labels[labelComposeService]; ok && svc != "" {
		w.ServiceName = svc
	}

	// Publication must match namespaced peer references; compose service
	// and container names need the namespace prefixed on.
	if !explicitService && w.Namespace != "" && !strings.HasPrefix(w.ServiceName, w.Namespace+"_") {
		w.ServiceName = w.Namespace + "_" + w.ServiceName
	}

	for label, value := range c.Labels {
		if !strings.HasPrefix(label, LabelPrefix) {
			continue
		}
		if err := w.applyLabel(label, value); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// applyLabel parses one firewhale label. Values are YAML documents.
func (w *Workload) applyLabel(label, value string) error {
	switch label {
	case labelEnabled:
		return parseBoolLabel(label, value, &w.Enabled)
	case labelPublishIPs:
		return parseBoolLabel(label, value, &w.PublishIPs)
	case labelServiceName:
		return nil // consumed above
	}

	for _, dir := range rules.Directions {
		if label == LabelPrefix+dir.Name {
			ruleStrings, err := parseRuleList(label, value)
			if err != nil {
				return err
			}
			w.Rules[dir.Name] = ruleStrings
			return nil
		}
	}

	return errors.Errorf(errors.KindConfig, "unknown label %s", label)
}

func parseBoolLabel(label, value string, out *bool) error {
	var b bool
	if err := yaml.Unmarshal([]byte(value), &b); err != nil {
		return errors.Wrapf(err, errors.KindConfig, "label %s is not a boolean", label)
	}
	*out = b
	return nil
}

// parseRuleList accepts a single rule string or a YAML list of them.
func parseRuleList(label, value string) ([]string, error) {
	var list []string
	if err := yaml.Unmarshal([]byte(value), &list); err == nil {
		return list, nil
	}
	var single string
	if err := yaml.Unmarshal([]byte(value), &single); err == nil && single != "" {
		return []string{single}, nil
	}
	return nil, errors.Errorf(errors.KindConfig, "label %s is neither a rule nor a rule list", label)
}

// ChainPrefixFor returns the chain name prefix of this workload.
func (w *Workload) ChainPrefixFor() string {
	return ChainPrefix + w.CID16
}

// DirectionChain returns the per-direction chain name.
func (w *Workload) DirectionChain(dir rules.Direction) string {
	return w.ChainPrefixFor() + "-" + dir.Name
}

// Addresses returns the container's attached IPs.
func (w *Workload) Addresses() []string {
	var addrs []string
	for _, net := range w.Networks {
		addrs = append(addrs, net.IPAddress)
	}
	return addrs
}

// CompileContext returns the attributes peer resolution needs.
func (w *Workload) CompileContext() rules.Context {
	return rules.Context{Networks: w.Networks, Namespace: w.Namespace}
}

func truncateID(id string) string {
	if len(id) > cidLen {
		return id[:cidLen]
	}
	return id
}

// ContainerIDFromChain extracts the truncated container id from a chain
// name, or "" if the chain is not a per-container chain.
func ContainerIDFromChain(chain string) string {
	if !strings.HasPrefix(chain, ChainPrefix) {
		return ""
	}
	parts := strings.Split(chain, "-")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
