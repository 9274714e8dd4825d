// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package runtime is a lightweight client for the Docker Unix socket,
// focused on the container inventory, lifecycle events, and engine info the
// daemon needs.
package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Container represents a partial Docker container object, focused on network
// details and labels.
type Container struct {
	ID              string            `json:"Id"`
	Names           []string          `json:"Names"`
	Image           string            `json:"Image"`
	State           string            `json:"State"`
	Status          string            `json:"Status"`
	NetworkSettings NetworkSettings   `json:"NetworkSettings"`
	Labels          map[string]string `json:"Labels"`
}

// Name returns the container's primary name without the leading slash.
func (c *Container) Name() string {
	if len(c.Names) == 0 {
		return c.ID
	}
	return strings.TrimPrefix(c.Names[0], "/")
}

type NetworkSettings struct {
	Networks map[string]NetworkEndpoint `json:"Networks"`
}

type NetworkEndpoint struct {
	IPAddress   string `json:"IPAddress"`
	IPPrefixLen int    `json:"IPPrefixLen"`
	Gateway     string `json:"Gateway"`
	MacAddress  string `json:"MacAddress"`
	NetworkID   string `json:"NetworkID"`
	EndpointID  string `json:"EndpointID"`
}

// Event is one entry of the engine's event stream.
type Event struct {
	Type   string `json:"Type"`
	Action string `json:"Action"`
	ID     string `json:"id"`
}

// Info is a partial Docker engine info object.
type Info struct {
	ID    string `json:"ID"`
	Swarm Swarm  `json:"Swarm"`
}

type Swarm struct {
	LocalNodeState string `json:"LocalNodeState"`
	NodeID         string `json:"NodeID"`
}

// InSwarm reports whether the engine participates in an active Swarm.
func (i *Info) InSwarm() bool {
	return i.Swarm.LocalNodeState == "active"
}

// DockerClient is a lightweight client for the Docker Unix socket.
type DockerClient struct {
	client     *http.Client
	socketPath string
}

// NewDockerClient creates a new client connected to the given socket, or the
// default socket when empty.
func NewDockerClient(socketPath string) *DockerClient {
	if socketPath == "" {
		socketPath = "/var/run/docker.sock"
	}

	return &DockerClient{
		socketPath: socketPath,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 5 * time.Second,
		},
	}
}

// ListContainers returns running containers, optionally narrowed by Docker
// engine filters (e.g. {"label": ["firewhale.enabled=true"]}).
func (c *DockerClient) ListContainers(ctx context.Context, filters map[string][]string) ([]Container, error) {
	endpoint := "http://unix/containers/json"
	if len(filters) > 0 {
		encoded, err := json.Marshal(filters)
		if err != nil {
			return nil, err
		}
		endpoint += "?filters=" + url.QueryEscape(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("docker socket request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return parseContainers(resp.Body)
}

// containerInspect is the partial shape of the inspect endpoint, which nests
// name and labels differently from the list endpoint.
type containerInspect struct {
	ID              string          `json:"Id"`
	Name            string          `json:"Name"`
	Image           string          `json:"Image"`
	NetworkSettings NetworkSettings `json:"NetworkSettings"`
	State           struct {
		Status string `json:"Status"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

func (i *containerInspect) container() *Container {
	return &Container{
		ID:              i.ID,
		Names:           []string{i.Name},
		Image:           i.Image,
		State:           i.State.Status,
		NetworkSettings: i.NetworkSettings,
		Labels:          i.Config.Labels,
	}
}

// GetContainer inspects the container with the given id, or returns nil if
// the engine does not know it. Inspect sees containers in any state, so a
// just-created container resolves before it starts.
func (c *DockerClient) GetContainer(ctx context.Context, id string) (*Container, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", "http://unix/containers/"+id+"/json", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("docker socket request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return parseContainerInspect(resp.Body)
}

func parseContainerInspect(r io.Reader) (*Container, error) {
	var inspected containerInspect
	if err := json.NewDecoder(r).Decode(&inspected); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return inspected.container(), nil
}

// Info returns engine information, including Swarm membership.
func (c *DockerClient) Info(ctx context.Context) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", "http://unix/info", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("docker socket request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &info, nil
}

// Events streams container create and die events until ctx is canceled or
// the engine closes the stream. The returned error channel yields exactly
// one value when the stream ends.
func (c *DockerClient) Events(ctx context.Context) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errc := make(chan error, 1)

	filters, _ := json.Marshal(map[string][]string{
		"type":  {"container"},
		"event": {"create", "die"},
	})
	endpoint := "http://unix/events?filters=" + url.QueryEscape(string(filters))

	go func() {
		defer close(events)

		req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
		if err != nil {
			errc <- err
			return
		}

		// The event stream is long-lived; bypass the request timeout.
		streamClient := &http.Client{Transport: c.client.Transport}
		resp, err := streamClient.Do(req)
		if err != nil {
			errc <- fmt.Errorf("docker event stream failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errc <- fmt.Errorf("unexpected status code: %d", resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errc <- fmt.Errorf("docker event stream closed: %w", err)
			return
		}
		errc <- io.EOF
	}()

	return events, errc
}

func parseContainers(r io.Reader) ([]Container, error) {
	var containers []Container
	if err := json.NewDecoder(r).Decode(&containers); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return containers, nil
}
