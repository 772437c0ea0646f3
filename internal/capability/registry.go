// Package capability advertises the voices a gateway can render and tracks
// the voices advertised by its peers on the bus.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-mary/internal/bus"
	"github.com/loqalabs/loqa-mary/internal/config"
	"github.com/loqalabs/loqa-mary/internal/mary"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	subjectHeartbeatPrefix = "ctrl.node.heartbeat."

	// CapabilityVoice is advertised once per installed voice.
	CapabilityVoice = "tts.voice"
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// VoiceLister is satisfied by *mary.Client.
type VoiceLister interface {
	Voices(ctx context.Context) ([]mary.Voice, error)
}

type Registry struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	voices VoiceLister
	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	meter  metric.Meter
}

// NewRegistry subscribes to peer announcements, announces the local voices
// and keeps heartbeating until Close.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, voices VoiceLister, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		voices: voices,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-mary/capability"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	if err := r.Refresh(ctx); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.loop(ctx, time.Duration(cfg.HeartbeatInterval)*time.Millisecond, func() {
		if err := r.publishHeartbeat(); err != nil {
			r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
		}
	})
	r.loop(ctx, time.Second, r.evaluateHealth)
	if cfg.VoiceRefresh > 0 {
		r.loop(ctx, time.Duration(cfg.VoiceRefresh)*time.Millisecond, func() {
			if err := r.Refresh(ctx); err != nil {
				r.log.Warn("failed to refresh voices", slog.String("error", err.Error()))
			}
		})
	}
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) loop(ctx context.Context, every time.Duration, fn func()) {
	if every <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(subjectHeartbeatPrefix+"*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

// Refresh lists the local voices and announces them. When the server cannot
// be reached the node is still announced, without capabilities.
func (r *Registry) Refresh(ctx context.Context) error {
	voices, listErr := r.voices.Voices(ctx)
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: voiceCapabilities(voices),
		Timestamp:    time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(SubjectAnnounce, payload); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, true, msg.Timestamp)
	if listErr != nil {
		return fmt.Errorf("list voices: %w", listErr)
	}
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.ID,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(subjectHeartbeatPrefix+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, true, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, false, hb.Timestamp)
}

// updateNode records a sighting. Capabilities are replaced only by
// announcements, since a node may legitimately announce none.
func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, announced bool, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if announced {
		node.Capabilities = capabilities
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns the known nodes accepted by filter, ordered by ID.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		snapshot := *node
		snapshot.Capabilities = append([]Capability(nil), node.Capabilities...)
		if filter == nil || filter(snapshot) {
			results = append(results, snapshot)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	nodeGauge, err := r.meter.Int64ObservableGauge("mary.gateway.nodes", metric.WithDescription("Number of known gateway nodes"))
	if err != nil {
		return err
	}
	voiceGauge, err := r.meter.Int64ObservableGauge("mary.gateway.voices", metric.WithDescription("Total advertised voices across healthy nodes"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes, voices := r.snapshotCounts()
		obs.ObserveInt64(nodeGauge, nodes)
		obs.ObserveInt64(voiceGauge, voices)
		return nil
	}, nodeGauge, voiceGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes, voices int64
	for _, node := range r.nodes {
		nodes++
		if node.Healthy {
			voices += int64(len(node.Capabilities))
		}
	}
	return nodes, voices
}

func voiceCapabilities(voices []mary.Voice) []Capability {
	if len(voices) == 0 {
		return nil
	}
	result := make([]Capability, 0, len(voices))
	for _, v := range voices {
		result = append(result, Capability{
			Name: CapabilityVoice,
			Attributes: map[string]string{
				"voice":  v.Name(),
				"locale": v.Locale(),
				"gender": v.Gender(),
				"kind":   v.Kind(),
			},
		})
	}
	return result
}

// WithVoice matches healthy nodes advertising the named voice.
func WithVoice(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		if !node.Healthy {
			return false
		}
		for _, c := range node.Capabilities {
			if c.Name == CapabilityVoice && c.Attributes["voice"] == name {
				return true
			}
		}
		return false
	}
}

// WithLocale matches healthy nodes advertising any voice for locale.
func WithLocale(locale string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		if !node.Healthy {
			return false
		}
		for _, c := range node.Capabilities {
			if c.Name == CapabilityVoice && c.Attributes["locale"] == locale {
				return true
			}
		}
		return false
	}
}
