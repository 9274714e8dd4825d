// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package directory

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Matchlighter/Firewhale/internal/errors"
	"github.com/Matchlighter/Firewhale/internal/logging"
	"github.com/Matchlighter/Firewhale/internal/nft"
)

// setIPScript atomically reassigns an IP's claim across the shared
// structures and publishes the IP on the affected service channels.
// Returns 1 if the service attribution changed.
var setIPScript = redis.NewScript(`
local ip = KEYS[1]
local service = ARGV[1]
local container = ARGV[2]
local node = ARGV[3]
local ts = ARGV[4]

local key = "ip:" .. ip
local old_service = redis.call("HGET", key, "service")
local old_container = redis.call("HGET", key, "container")
local old_node = redis.call("HGET", key, "node")

redis.call("HSET", key, "service", service, "container", container, "node", node, "ts", ts)

local changed = 0
if old_service ~= service then
	changed = 1
	if old_service then
		redis.call("SREM", "service:" .. old_service .. ":ips", ip)
		redis.call("PUBLISH", "service:" .. old_service, ip)
	end
end
redis.call("SADD", "service:" .. service .. ":ips", ip)

if old_node and old_node ~= node then
	redis.call("SREM", "node:" .. old_node .. ":ips", ip)
end
redis.call("SADD", "node:" .. node .. ":ips", ip)

if old_container and old_container ~= container then
	redis.call("SREM", "container:" .. old_container .. ":ips", ip)
end
redis.call("SADD", "container:" .. container .. ":ips", ip)

if changed == 1 then
	redis.call("PUBLISH", "service:" .. service, ip)
end
return changed
`)

// rmIPScript drops an IP's claim. When a container is given, the claim is
// only dropped if that container still holds it, so a displaced claim is
// not torn down by its previous owner's cleanup.
var rmIPScript = redis.NewScript(`
local ip = KEYS[1]
local container = ARGV[1]

local key = "ip:" .. ip
local state = redis.call("HGETALL", key)
if #state == 0 then
	return 0
end

local fields = {}
for i = 1, #state, 2 do
	fields[state[i]] = state[i + 1]
end

if container ~= "" and fields["container"] ~= container then
	return 0
end

redis.call("DEL", key)
if fields["service"] then
	redis.call("SREM", "service:" .. fields["service"] .. ":ips", ip)
	redis.call("PUBLISH", "service:" .. fields["service"], ip)
end
if fields["node"] then
	redis.call("SREM", "node:" .. fields["node"] .. ":ips", ip)
end
if fields["container"] then
	redis.call("SREM", "container:" .. fields["container"] .. ":ips", ip)
end
return 1
`)

const serviceChannelPrefix = "service:"

// Redis is the cluster backend over a shared store with pub/sub.
type Redis struct {
	base

	client *redis.Client
	pubsub *redis.PubSub
	nodeID string

	deltas     chan Delta
	reconnects chan struct{}
	stop       context.CancelFunc
}

var _ Directory = (*Redis)(nil)

// NewRedis connects the cluster backend and starts its delivery pump.
func NewRedis(ctx context.Context, url, nodeID string, transport nft.Transport, logger *logging.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "invalid redis url %q", url)
	}

	d := &Redis{
		base:       newBase(transport, logger.WithComponent("directory")),
		nodeID:     nodeID,
		deltas:     make(chan Delta, 256),
		reconnects: make(chan struct{}, 1),
	}

	d.client = redis.NewClient(opts)
	if err := d.client.Ping(ctx).Err(); err != nil {
		d.client.Close()
		return nil, errors.Wrap(err, errors.KindStore, "redis unreachable")
	}

	// Pre-register the scripts; Run falls back to EVAL after a store
	// restart flushes the script cache.
	for _, script := range []*redis.Script{setIPScript, rmIPScript} {
		if err := script.Load(ctx, d.client).Err(); err != nil {
			d.client.Close()
			return nil, errors.Wrap(err, errors.KindStore, "failed to register store script")
		}
	}

	d.pubsub = d.client.Subscribe(ctx)

	pumpCtx, cancel := context.WithCancel(context.Background())
	d.stop = cancel
	go d.pump(pumpCtx)
	go d.healthLoop(pumpCtx)

	d.logger.Info("Subscribed to cluster events via redis")
	return d, nil
}

const healthInterval = 5 * time.Second

// healthLoop watches for the store going away and coming back. Only a ping
// failure followed by a later success counts as a reconnect; pool churn on a
// healthy store must not trigger republishing.
func (d *Redis) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	down := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := d.client.Ping(ctx).Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			if !down {
				d.logger.WithError(err).Warn("Store connection lost")
			}
			down = true
			continue
		}

		if down {
			down = false
			d.logger.Info("Store connection re-established")
			select {
			case d.reconnects <- struct{}{}:
			default:
			}
		}
	}
}

// pump forwards pub/sub messages into the delta channel the controller
// drains.
func (d *Redis) pump(ctx context.Context) {
	ch := d.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			delta := Delta{
				Service: strings.TrimPrefix(msg.Channel, serviceChannelPrefix),
				IP:      msg.Payload,
			}
			select {
			case d.deltas <- delta:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Publish implements Directory.
func (d *Redis) Publish(ctx context.Context, service, ip, containerID string) error {
	err := setIPScript.Run(ctx, d.client,
		[]string{ip},
		service, containerID, d.nodeID, time.Now().Unix(),
	).Err()
	if err != nil {
		return errors.Wrapf(err, errors.KindStore, "failed to publish %s under %s", ip, service)
	}
	return nil
}

// UnpublishContainer implements Directory.
func (d *Redis) UnpublishContainer(ctx context.Context, containerID string) error {
	ips, err := d.ListContainerIPs(ctx, containerID)
	if err != nil {
		return err
	}
	for _, ip := range ips {
		if err := rmIPScript.Run(ctx, d.client, []string{ip}, containerID).Err(); err != nil {
			return errors.Wrapf(err, errors.KindStore, "failed to unpublish %s", ip)
		}
	}
	return nil
}

// ListContainerIPs implements Directory.
func (d *Redis) ListContainerIPs(ctx context.Context, containerID string) ([]string, error) {
	ips, err := d.client.SMembers(ctx, "container:"+containerID+":ips").Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStore, "failed to list container ips")
	}
	return ips, nil
}

func (d *Redis) listServiceIPs(ctx context.Context, service string) ([]string, error) {
	ips, err := d.client.SMembers(ctx, "service:"+service+":ips").Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStore, "failed to list service ips")
	}
	return ips, nil
}

// Subscribe implements Directory.
func (d *Redis) Subscribe(ctx context.Context, service, containerID string) error {
	first, err := d.subscribe(ctx, service, containerID, d.listServiceIPs)
	if err != nil {
		return err
	}
	if first {
		if err := d.pubsub.Subscribe(ctx, serviceChannelPrefix+service); err != nil {
			return errors.Wrapf(err, errors.KindStore, "failed to subscribe to %s", service)
		}
	}
	return nil
}

// Unsubscribe implements Directory.
func (d *Redis) Unsubscribe(ctx context.Context, service, containerID string) error {
	last, err := d.unsubscribe(ctx, service, containerID)
	if err != nil {
		return err
	}
	if last {
		if err := d.pubsub.Unsubscribe(ctx, serviceChannelPrefix+service); err != nil {
			return errors.Wrapf(err, errors.KindStore, "failed to unsubscribe from %s", service)
		}
	}
	return nil
}

// UnsubscribeAll implements Directory.
func (d *Redis) UnsubscribeAll(ctx context.Context, containerID string) error {
	for _, service := range d.subscriptions.GetByValue(containerID) {
		if err := d.Unsubscribe(ctx, service, containerID); err != nil {
			return err
		}
	}
	return nil
}

// Reclaim implements Directory. Claims recorded under this node for
// containers no longer live are dropped; leftovers attributed to other
// nodes are forgotten from the node index.
func (d *Redis) Reclaim(ctx context.Context, liveContainers []string) error {
	live := make(map[string]bool, len(liveContainers))
	for _, cid := range liveContainers {
		live[cid] = true
	}

	nodeKey := "node:" + d.nodeID + ":ips"
	ips, err := d.client.SMembers(ctx, nodeKey).Result()
	if err != nil {
		return errors.Wrap(err, errors.KindStore, "failed to list node ips")
	}

	for _, ip := range ips {
		state, err := d.client.HGetAll(ctx, "ip:"+ip).Result()
		if err != nil {
			return errors.Wrapf(err, errors.KindStore, "failed to read claim for %s", ip)
		}
		if len(state) > 0 && state["node"] == d.nodeID {
			if !live[state["container"]] {
				d.logger.Info("Reclaiming stale IP claim", "ip", ip, "container", state["container"])
				if err := rmIPScript.Run(ctx, d.client, []string{ip}, state["container"]).Err(); err != nil {
					return errors.Wrapf(err, errors.KindStore, "failed to reclaim %s", ip)
				}
			}
		} else {
			if err := d.client.SRem(ctx, nodeKey, ip).Err(); err != nil {
				return errors.Wrap(err, errors.KindStore, "failed to prune node index")
			}
		}
	}
	return nil
}

// Deltas implements Directory.
func (d *Redis) Deltas() <-chan Delta { return d.deltas }

// HandleDelta implements Directory. The store's current attribution is
// authoritative; the channel only says the IP changed.
func (d *Redis) HandleDelta(ctx context.Context, delta Delta) error {
	state, err := d.client.HGetAll(ctx, "ip:"+delta.IP).Result()
	if err != nil {
		return errors.Wrapf(err, errors.KindStore, "failed to read claim for %s", delta.IP)
	}
	return d.updateIPService(ctx, state["service"], delta.IP)
}

// Reconnects yields after the store connection was re-established; the
// controller republishes local claims and reclaims on it.
func (d *Redis) Reconnects() <-chan struct{} { return d.reconnects }

// Close implements Directory.
func (d *Redis) Close() error {
	if d.stop != nil {
		d.stop()
	}
	d.pubsub.Close()
	return d.client.Close()
}
