// Package clustersync implements DistributedSync (C9): the optional
// multi-instance membership, heartbeat, metrics-broadcast, and leader
// election layer built on top of a Store, generalized from a
// background-poller idiom (Start/OnStatusChange-shaped, as seen in
// provider health pollers) into a Store-backed membership protocol.
package clustersync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reqshield/reqshield/store"
)

// NodeInfo is the membership record published and exchanged for a single
// process, per §3's "NodeInfo (DistributedSync)" record.
type NodeInfo struct {
	ID            string            `json:"id"`
	Hostname      string            `json:"hostname"`
	PID           int               `json:"pid"`
	StartedAt     time.Time         `json:"startedAt"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	Metadata      map[string]string `json:"metadata"`
}

// SnapshotFn supplies the metrics values broadcast alongside each sync
// interval; typically backed by metrics.Registry.Snapshot.
type SnapshotFn func() map[string]float64

// Config configures a Node.
type Config struct {
	Store   store.Store
	Logger  zerolog.Logger
	Channel string // pub/sub channel for metrics-snapshot broadcast

	// SyncInterval governs own-entry refresh, membership reconciliation,
	// and metrics broadcast frequency. Defaults to 10s.
	SyncInterval time.Duration

	Snapshot SnapshotFn

	// Metadata is merged into the node's own NodeInfo.Metadata at
	// construction (e.g. version, region). PID, Hostname and StartedAt are
	// separate NodeInfo fields set by the Node itself, not by Metadata.
	Metadata map[string]string
}

const (
	heartbeatTTL = 60 * time.Second
	// deadNodeMultiple and cleanupMultiple are expressed in units of
	// SyncInterval per §4.9: cleanup scans run every 3x, dead nodes are
	// those unseen for 6x.
	deadNodeMultiple = 6
	cleanupMultiple  = 3
)

// Node is one process's membership participant.
type Node struct {
	cfg    Config
	id     string
	self   NodeInfo
	logger zerolog.Logger

	mu      sync.RWMutex
	members map[string]NodeInfo
	onJoin  []func(NodeInfo)
	onLeave []func(NodeInfo)

	stop chan struct{}
	done chan struct{}
}

// New creates a Node with a fresh, randomly generated ID. It does not
// start any background activity until Start is called.
func New(cfg Config) *Node {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 10 * time.Second
	}
	if cfg.Channel == "" {
		cfg.Channel = "reqshield:cluster"
	}

	hostname, _ := os.Hostname()
	id := uuid.NewString()

	meta := make(map[string]string, len(cfg.Metadata))
	for k, v := range cfg.Metadata {
		meta[k] = v
	}

	return &Node{
		cfg:    cfg,
		id:     id,
		logger: cfg.Logger.With().Str("component", "clustersync").Str("nodeId", id).Logger(),
		self: NodeInfo{
			ID:        id,
			Hostname:  hostname,
			PID:       os.Getpid(),
			StartedAt: time.Now(),
			Metadata:  meta,
		},
		members: make(map[string]NodeInfo),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns this process's node ID.
func (n *Node) ID() string { return n.id }

func nodeKey(id string) string { return "node:" + id }

// Start registers this node and launches the heartbeat/reconcile,
// cleanup, and metrics-broadcast loops. It blocks only long enough to
// perform the initial registration.
func (n *Node) Start(ctx context.Context) error {
	if err := n.publishSelf(ctx); err != nil {
		return fmt.Errorf("clustersync: initial registration: %w", err)
	}

	n.mu.Lock()
	n.members[n.id] = n.self
	n.mu.Unlock()

	go n.run()
	return nil
}

// Stop unregisters the node and stops all background loops. Per §5's
// shutdown sequence, this is the first step of graceful shutdown.
func (n *Node) Stop() {
	close(n.stop)
	<-n.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.cfg.Store.Delete(ctx, nodeKey(n.id)); err != nil {
		n.logger.Warn().Err(err).Msg("clustersync: unregister failed")
	}
}

func (n *Node) publishSelf(ctx context.Context) error {
	n.mu.Lock()
	n.self.LastHeartbeat = time.Now()
	payload, err := json.Marshal(n.self)
	n.mu.Unlock()
	if err != nil {
		return err
	}
	return n.cfg.Store.Set(ctx, nodeKey(n.id), payload, heartbeatTTL)
}

func (n *Node) run() {
	defer close(n.done)

	syncTicker := time.NewTicker(n.cfg.SyncInterval)
	defer syncTicker.Stop()
	cleanupTicker := time.NewTicker(cleanupMultiple * n.cfg.SyncInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-syncTicker.C:
			n.syncOnce()
		case <-cleanupTicker.C:
			n.cleanupOnce()
		}
	}
}

func (n *Node) syncOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.SyncInterval)
	defer cancel()

	if err := n.publishSelf(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("clustersync: heartbeat refresh failed")
	}

	n.reconcile(ctx)
	n.broadcastSnapshot(ctx)
}

// reconcile scans node:* and updates the local membership map, invoking
// onNodeJoin/onNodeLeave for entries that appeared or vanished since the
// last scan.
func (n *Node) reconcile(ctx context.Context) {
	keys, err := n.cfg.Store.Scan(ctx, "node:*")
	if err != nil {
		n.logger.Warn().Err(err).Msg("clustersync: membership scan failed")
		return
	}

	seen := make(map[string]NodeInfo, len(keys))
	for _, key := range keys {
		raw, ok, err := n.cfg.Store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var info NodeInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			continue
		}
		seen[info.ID] = info
	}

	n.mu.Lock()
	var joined, left []NodeInfo
	for id, info := range seen {
		if _, existed := n.members[id]; !existed {
			joined = append(joined, info)
		}
	}
	for id, info := range n.members {
		if _, stillPresent := seen[id]; !stillPresent {
			left = append(left, info)
		}
	}
	n.members = seen
	joinCbs := append([]func(NodeInfo){}, n.onJoin...)
	leaveCbs := append([]func(NodeInfo){}, n.onLeave...)
	n.mu.Unlock()

	for _, info := range joined {
		for _, cb := range joinCbs {
			cb(info)
		}
	}
	for _, info := range left {
		for _, cb := range leaveCbs {
			cb(info)
		}
	}
}

// cleanupOnce removes membership entries whose heartbeat key has expired
// from the Store but may still linger in a local cache, and evicts
// anything stale beyond the dead-node threshold even if the Store entry
// somehow survived (e.g. a backend with coarser TTL granularity).
func (n *Node) cleanupOnce() {
	deadline := time.Now().Add(-deadNodeMultiple * n.cfg.SyncInterval)

	n.mu.Lock()
	var stale []string
	for id, info := range n.members {
		if id != n.id && info.LastHeartbeat.Before(deadline) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(n.members, id)
	}
	n.mu.Unlock()

	if len(stale) > 0 {
		n.logger.Info().Strs("nodeIds", stale).Msg("clustersync: evicted dead nodes")
	}
}

func (n *Node) broadcastSnapshot(ctx context.Context) {
	if n.cfg.Snapshot == nil {
		return
	}
	payload, err := json.Marshal(n.cfg.Snapshot())
	if err != nil {
		n.logger.Warn().Err(err).Msg("clustersync: metrics snapshot marshal failed")
		return
	}

	if err := n.cfg.Store.Publish(ctx, n.cfg.Channel, string(payload)); err != nil {
		if err == store.ErrPubSubUnsupported {
			n.broadcastViaKey(ctx, payload)
			return
		}
		n.logger.Warn().Err(err).Msg("clustersync: metrics broadcast failed")
	}
}

// broadcastViaKey is the fallback used when Publish returns
// ErrPubSubUnsupported: a short-lived key other nodes can poll for,
// per §4.9's "otherwise via short-lived keys sync:<type>:<nodeId>".
func (n *Node) broadcastViaKey(ctx context.Context, payload []byte) {
	key := fmt.Sprintf("sync:metrics:%s", n.id)
	if err := n.cfg.Store.Set(ctx, key, payload, n.cfg.SyncInterval*2); err != nil {
		n.logger.Warn().Err(err).Msg("clustersync: metrics fallback broadcast failed")
	}
}

// OnNodeJoin registers a callback invoked when a previously-unseen node
// appears in the membership scan.
func (n *Node) OnNodeJoin(fn func(NodeInfo)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onJoin = append(n.onJoin, fn)
}

// OnNodeLeave registers a callback invoked when a previously-known node
// disappears from the membership scan.
func (n *Node) OnNodeLeave(fn func(NodeInfo)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onLeave = append(n.onLeave, fn)
}

// Members returns a snapshot of the current membership set.
func (n *Node) Members() []NodeInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]NodeInfo, 0, len(n.members))
	for _, info := range n.members {
		out = append(out, info)
	}
	return out
}

// IsLeader reports whether this node is the deterministic leader: the
// live node whose ID sorts lexicographically smallest, per §4.9. The
// leader has no special authority over the protection pipeline itself;
// callers use this to schedule cross-cutting tasks exactly once.
func (n *Node) IsLeader() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.members) == 0 {
		return true
	}
	ids := make([]string, 0, len(n.members))
	for id := range n.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0] == n.id
}

// LeaderID returns the current leader's ID, or "" if membership is empty.
func (n *Node) LeaderID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.members) == 0 {
		return ""
	}
	ids := make([]string, 0, len(n.members))
	for id := range n.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0]
}
