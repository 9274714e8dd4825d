// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package controller owns the daemon's event loop: it brings up the root
// chain structure, consumes container lifecycle events, and drives
// reconciliation, cleanup and transport reconnection.
package controller

import (
	"context"
	"os"

	"github.com/Matchlighter/Firewhale/internal/directory"
	"github.com/Matchlighter/Firewhale/internal/errors"
	"github.com/Matchlighter/Firewhale/internal/logging"
	"github.com/Matchlighter/Firewhale/internal/nft"
	"github.com/Matchlighter/Firewhale/internal/nft/nftlocal"
	"github.com/Matchlighter/Firewhale/internal/nft/nftsocket"
	"github.com/Matchlighter/Firewhale/internal/projector"
	"github.com/Matchlighter/Firewhale/internal/runtime"
)

// Tristate is a flag that may be forced on, forced off, or inferred.
type Tristate string

const (
	Auto Tristate = "auto"
	On   Tristate = "on"
	Off  Tristate = "off"
)

// Config selects the daemon's backends.
type Config struct {
	// NFAgent selects the bridged transport; Auto enables it in Swarm.
	NFAgent Tristate
	// Redis selects the shared directory; Auto enables it in Swarm.
	Redis Tristate
	// RedisURL overrides the store address; empty falls back to the
	// REDIS_URL environment variable, then the stock default.
	RedisURL string
	// DockerSocket overrides the runtime socket path.
	DockerSocket string
	// AgentSocket is where the bridged transport listens for the agent.
	AgentSocket string
}

const defaultRedisURL = "redis://redis:6379/0"

func (c Config) redisURL() string {
	if c.RedisURL != "" {
		return c.RedisURL
	}
	if env := os.Getenv("REDIS_URL"); env != "" {
		return env
	}
	return defaultRedisURL
}

// enabledFilter narrows container listings to firewhale-enabled workloads.
var enabledFilter = map[string][]string{"label": {"firewhale.enabled=true"}}

// event is one unit of dispatcher work.
type event interface{ isEvent() }

type containerEvent struct {
	id     string
	action string
}

type transportConnected struct{}

type directoryDelta struct {
	delta directory.Delta
}

type storeReconnected struct{}

type streamFailed struct {
	err error
}

func (containerEvent) isEvent()     {}
func (transportConnected) isEvent() {}
func (directoryDelta) isEvent()     {}
func (storeReconnected) isEvent()   {}
func (streamFailed) isEvent()       {}

// workloadState is the per-container projection state machine.
type workloadState string

const (
	stateApplied workloadState = "applied"
	stateFailed  workloadState = "failed"
)

type tracked struct {
	workload *projector.Workload
	state    workloadState
}

// Runtime is the container inventory surface the controller consumes;
// satisfied by the Docker client.
type Runtime interface {
	Info(ctx context.Context) (*runtime.Info, error)
	ListContainers(ctx context.Context, filters map[string][]string) ([]runtime.Container, error)
	GetContainer(ctx context.Context, id string) (*runtime.Container, error)
	Events(ctx context.Context) (<-chan runtime.Event, <-chan error)
}

// Controller is the daemon's single-threaded dispatcher.
type Controller struct {
	cfg    Config
	logger *logging.Logger
	docker Runtime

	transport nft.Transport
	directory directory.Directory
	projector *projector.Projector

	// workloads tracks live projections, keyed by truncated container id.
	workloads map[string]*tracked

	events chan event
}

// New creates a controller; backends are chosen and attached in Run.
func New(cfg Config, logger *logging.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		logger:    logger.WithComponent("controller"),
		docker:    runtime.NewDockerClient(cfg.DockerSocket),
		workloads: make(map[string]*tracked),
		events:    make(chan event, 256),
	}
}

// NewWithBackends creates a controller over explicit dependencies, for tests
// and the cleanup command.
func NewWithBackends(cfg Config, transport nft.Transport, dir directory.Directory, docker Runtime, logger *logging.Logger) *Controller {
	c := New(cfg, logger)
	if docker != nil {
		c.docker = docker
	}
	c.attach(transport, dir)
	return c
}

func (c *Controller) attach(transport nft.Transport, dir directory.Directory) {
	c.transport = transport
	c.directory = dir
	c.projector = projector.New(transport, dir, c.logger)
}

// Run starts the daemon and blocks until ctx is canceled or a fatal error
// occurs.
func (c *Controller) Run(ctx context.Context) error {
	info, err := c.docker.Info(ctx)
	if err != nil {
		return errors.Wrap(err, errors.KindConfig, "docker engine unreachable")
	}

	useAgent := c.cfg.NFAgent == On || (c.cfg.NFAgent == Auto && info.InSwarm())
	useRedis := c.cfg.Redis == On || (c.cfg.Redis == Auto && info.InSwarm())
	c.logger.Info("Starting firewhale", "mode", modeName(useAgent, useRedis))

	if c.transport == nil {
		var transport nft.Transport
		if useAgent {
			socketPath := c.cfg.AgentSocket
			if socketPath == "" {
				socketPath = nftsocket.DefaultSocketPath
			}
			transport, err = nftsocket.Listen(socketPath, c.logger)
		} else {
			transport, err = nftlocal.New(c.logger)
		}
		if err != nil {
			return err
		}

		var dir directory.Directory
		if useRedis {
			nodeID := info.Swarm.NodeID
			if nodeID == "" {
				nodeID = info.ID
			}
			dir, err = directory.NewRedis(ctx, c.cfg.redisURL(), nodeID, transport, c.logger)
		} else {
			dir = directory.NewLocal(transport, c.logger)
		}
		if err != nil {
			transport.Close()
			return err
		}
		c.attach(transport, dir)
	}
	defer c.transport.Close()
	defer c.directory.Close()

	// IP publications come up before any firewall changes, so peers across
	// the cluster resolve this host's services during their own reconciles.
	if err := c.prepopulate(ctx); err != nil {
		return err
	}

	c.startProducers(ctx)

	return c.loop(ctx)
}

func modeName(agent, redis bool) string {
	switch {
	case agent && redis:
		return "Swarm (Redis+NFAgent)"
	case agent:
		return "Local+NFAgent"
	case redis:
		return "Redis"
	default:
		return "Local"
	}
}

// prepopulate publishes every live enabled container's IPs. No firewall
// changes happen yet; nothing is subscribed.
func (c *Controller) prepopulate(ctx context.Context) error {
	workloads, err := c.listWorkloads(ctx)
	if err != nil {
		return err
	}
	for _, w := range workloads {
		if !w.Enabled || !w.PublishIPs {
			continue
		}
		for netName, attachment := range w.Networks {
			if err := c.directory.Publish(ctx, w.ServiceName+"."+netName, attachment.IPAddress, w.CID16); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Controller) listWorkloads(ctx context.Context) ([]*projector.Workload, error) {
	containers, err := c.docker.ListContainers(ctx, enabledFilter)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to list containers")
	}
	var workloads []*projector.Workload
	for i := range containers {
		w, err := projector.FromContainer(&containers[i])
		if err != nil {
			c.logger.WithError(err).Error("Skipping container with bad labels", "container", containers[i].Name())
			continue
		}
		workloads = append(workloads, w)
	}
	return workloads, nil
}

// startProducers launches the goroutines that feed the work queue.
func (c *Controller) startProducers(ctx context.Context) {
	// Container lifecycle stream. A closed stream is fatal.
	events, errc := c.docker.Events(ctx)
	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					c.enqueue(ctx, streamFailed{err: <-errc})
					return
				}
				c.enqueue(ctx, containerEvent{id: ev.ID, action: ev.Action})
			case <-ctx.Done():
				return
			}
		}
	}()

	// Transport health.
	go func() {
		for {
			select {
			case <-c.transport.Connected():
				c.enqueue(ctx, transportConnected{})
			case <-ctx.Done():
				return
			}
		}
	}()

	// Shared-store delivery, when the backend has any.
	if deltas := c.directory.Deltas(); deltas != nil {
		go func() {
			for {
				select {
				case delta, ok := <-deltas:
					if !ok {
						return
					}
					c.enqueue(ctx, directoryDelta{delta: delta})
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	if r, ok := c.directory.(*directory.Redis); ok {
		go func() {
			for {
				select {
				case <-r.Reconnects():
					c.enqueue(ctx, storeReconnected{})
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

func (c *Controller) enqueue(ctx context.Context, ev event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// loop is the dispatcher: every mutation of firewall state, subscription
// tables or IP caches happens here, in arrival order.
func (c *Controller) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Shutting down")
			return nil
		case ev := <-c.events:
			if err := c.dispatch(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, ev event) error {
	switch e := ev.(type) {
	case transportConnected:
		c.logger.Info("Firewall transport connected, running full reconcile")
		if err := c.fullReconcile(ctx); err != nil {
			return err
		}

	case containerEvent:
		c.handleContainerEvent(ctx, e)

	case directoryDelta:
		if err := c.directory.HandleDelta(ctx, e.delta); err != nil {
			c.logger.WithError(err).Error("Failed to apply service delta",
				"service", e.delta.Service, "ip", e.delta.IP)
		}

	case storeReconnected:
		c.logger.Info("Store connection re-established, republishing and reconciling")
		if err := c.prepopulate(ctx); err != nil {
			c.logger.WithError(err).Error("Republish after reconnect failed")
		}
		if err := c.reclaim(ctx); err != nil {
			c.logger.WithError(err).Error("Reclaim after reconnect failed")
		}
		if err := c.fullReconcile(ctx); err != nil {
			return err
		}

	case streamFailed:
		return errors.Wrap(e.err, errors.KindInternal, "container event stream closed")
	}
	return nil
}

// fullReconcile restores the invariant state: core chains, every live
// container's projection, and no orphans.
func (c *Controller) fullReconcile(ctx context.Context) error {
	if err := initializeCoreChains(ctx, c.transport); err != nil {
		if errors.GetKind(err) == errors.KindConfig {
			return err
		}
		c.logger.WithError(err).Error("Failed to initialize core chains")
		return nil
	}

	workloads, err := c.listWorkloads(ctx)
	if err != nil {
		c.logger.WithError(err).Error("Failed to list containers for reconcile")
		return nil
	}

	live := make(map[string]bool)
	for _, w := range workloads {
		if !w.Enabled {
			continue
		}
		live[w.CID16] = true
		c.apply(ctx, w)
	}

	// Forget projections for containers that died while disconnected.
	for cid16 := range c.workloads {
		if !live[cid16] {
			delete(c.workloads, cid16)
		}
	}

	if err := cleanupOrphans(ctx, c.transport, live, c.logger); err != nil {
		c.logger.WithError(err).Error("Orphan cleanup failed")
	}
	return nil
}

func (c *Controller) reclaim(ctx context.Context) error {
	workloads, err := c.listWorkloads(ctx)
	if err != nil {
		return err
	}
	var live []string
	for _, w := range workloads {
		live = append(live, w.CID16)
	}
	return c.directory.Reclaim(ctx, live)
}

func (c *Controller) handleContainerEvent(ctx context.Context, ev containerEvent) {
	switch ev.action {
	case "create":
		container, err := c.docker.GetContainer(ctx, ev.id)
		if err != nil {
			c.logger.WithError(err).Error("Failed to inspect created container", "container", ev.id)
			return
		}
		if container == nil {
			// Gone before we looked; the die event will not find state
			// either.
			return
		}
		w, err := projector.FromContainer(container)
		if err != nil {
			c.logger.WithError(err).Error("Container has bad labels", "container", container.Name())
			return
		}
		if !w.Enabled {
			return
		}
		c.apply(ctx, w)

	case "die":
		cid16 := ev.id
		if len(cid16) > 16 {
			cid16 = cid16[:16]
		}
		if _, ok := c.workloads[cid16]; !ok {
			return
		}
		delete(c.workloads, cid16)
		c.projector.Destroy(ctx, cid16)
		c.logger.Info("Container destroyed", "container", cid16)
	}
}

// apply projects one workload, guarding against truncated-id collisions and
// recording the resulting state. Failures are contained to the container.
func (c *Controller) apply(ctx context.Context, w *projector.Workload) {
	if existing, ok := c.workloads[w.CID16]; ok && existing.workload.ID != w.ID {
		c.logger.Error("Container id prefix collision",
			"container", w.Name, "prefix", w.CID16, "existing", existing.workload.Name)
		return
	}

	if err := c.projector.Apply(ctx, w); err != nil {
		c.workloads[w.CID16] = &tracked{workload: w, state: stateFailed}
		c.logger.WithError(err).Error("Container projection failed", "container", w.Name)
		return
	}
	c.workloads[w.CID16] = &tracked{workload: w, state: stateApplied}
	c.logger.Info("Container rules applied", "container", w.Name, "service", w.ServiceName)
}
