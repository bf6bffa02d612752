package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shurlinet/atmosphere/internal/validate"
)

const costSampleInterval = 10 * time.Second

// costHysteresis gates whether a CostSample is gossip-worthy: a
// sample is only published if a tracked factor moved beyond these
// thresholds, or costResampleCeiling has elapsed regardless (section
// 4.5's "hysteresis-gated gossip triggers").
type costHysteresis struct {
	batteryPercent float64
	cpuLoad        float64
	memoryPercent  float64
}

var defaultCostHysteresis = costHysteresis{batteryPercent: 5, cpuLoad: 0.1, memoryPercent: 5}

const costResampleCeiling = 5 * time.Minute

// CostMultiplier computes the deterministic cost derivation from
// section 4.6: every node computing this over the same CostSample
// obtains the same number, clamped to [1.0, 5.0].
func CostMultiplier(s CostSample) float64 {
	var powerFactor float64
	switch {
	case s.PluggedIn:
		powerFactor = 1.0
	case s.BatteryPercent > 50:
		powerFactor = 2.0
	default:
		powerFactor = 3.0
	}

	var cpuFactor float64
	switch {
	case s.CPULoad > 0.75:
		cpuFactor = 2.0
	case s.CPULoad > 0.5:
		cpuFactor = 1.6
	default:
		cpuFactor = 1.0
	}

	var memFactor float64
	switch {
	case s.MemoryPercent > 90:
		memFactor = 2.5
	case s.MemoryPercent > 80:
		memFactor = 1.5
	default:
		memFactor = 1.0
	}

	var networkFactor float64 = 1.0
	if s.NetworkMetered {
		networkFactor = 1.5
	}

	load := cpuFactor
	if memFactor > load {
		load = memFactor
	}

	cost := powerFactor * load * networkFactor
	if cost < 1.0 {
		return 1.0
	}
	if cost > 5.0 {
		return 5.0
	}
	return cost
}

// CostSampler produces a raw resource-pressure reading for the local
// node. Platform integration supplies a concrete implementation;
// StaticCostSampler exists for tests and headless deployments.
type CostSampler interface {
	Sample() (CostSample, error)
}

// StaticCostSampler returns a fixed sample, useful for tests and
// nodes that don't expose real battery/CPU telemetry (e.g. containers).
type StaticCostSampler struct {
	Sample_ CostSample
}

func (s StaticCostSampler) Sample() (CostSample, error) { return s.Sample_, nil }

// Embedder converts free text into the fixed-dimensionality vector
// space capability and intent embeddings share. The production
// implementation calls out to an external embedding model; it is
// treated as an opaque collaborator at this layer.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Registry owns this node's locally-registered capabilities and its
// own cost signal, publishing both to the gossip layer and maintaining
// a copy-on-write snapshot for wait-free reads by the router.
type Registry struct {
	self     NodeId
	kp       KeyPair
	embedder Embedder
	gossip   *GossipService
	metrics  *Metrics // nil-safe

	mu       sync.Mutex
	version  uint64
	snapshot *registrySnapshot

	lastSample    CostSample
	lastSampledAt time.Time
}

// registrySnapshot is an immutable view published after every merge,
// so routing decisions read a consistent point-in-time picture without
// blocking writers (section 5's COW discipline).
type registrySnapshot struct {
	capabilities map[string]CapabilityRecord
}

// NewRegistry creates a Registry for self, signing with kp.
func NewRegistry(self NodeId, kp KeyPair, embedder Embedder, gossip *GossipService, metrics *Metrics) *Registry {
	return &Registry{
		self:     self,
		kp:       kp,
		embedder: embedder,
		gossip:   gossip,
		metrics:  metrics,
		snapshot: &registrySnapshot{capabilities: make(map[string]CapabilityRecord)},
	}
}

// RegisterCapability assigns a capability_id, embeds its description,
// bumps the local version, signs, and publishes via gossip.
func (r *Registry) RegisterCapability(ctx context.Context, typeTag CapabilityType, description string, tools []string, constraints map[string]string, peerCount int) (CapabilityRecord, error) {
	for _, tool := range tools {
		if err := validate.ToolName(tool); err != nil {
			return CapabilityRecord{}, fmt.Errorf("register capability: %w", err)
		}
	}

	embedding, err := r.embedder.Embed(ctx, description)
	if err != nil {
		return CapabilityRecord{}, fmt.Errorf("embed capability description: %w", err)
	}
	if len(embedding) != EmbeddingDim {
		return CapabilityRecord{}, fmt.Errorf("embedder returned %d dims, want %d", len(embedding), EmbeddingDim)
	}

	rec := CapabilityRecord{
		CapabilityId: uuid.NewString(),
		OwnerNodeId:  r.self,
		TypeTag:      typeTag,
		Description:  description,
		Embedding:    embedding,
		Tools:        tools,
		Constraints:  constraints,
		UpdatedAt:    time.Now(),
	}
	r.publish(ctx, &rec, peerCount)
	return rec, nil
}

// UnregisterCapability publishes a tombstone: a new version with an
// empty tool list and description.
func (r *Registry) UnregisterCapability(ctx context.Context, capabilityID string, peerCount int) error {
	r.mu.Lock()
	existing, ok := r.snapshot.capabilities[capabilityID]
	r.mu.Unlock()
	if !ok {
		return Errorf(KindBadRequest, "unknown capability %s", capabilityID)
	}
	existing.Tools = nil
	existing.Description = ""
	existing.UpdatedAt = time.Now()
	r.publish(ctx, &existing, peerCount)
	return nil
}

func (r *Registry) publish(ctx context.Context, rec *CapabilityRecord, peerCount int) {
	r.mu.Lock()
	r.version++
	rec.Version = r.version
	r.mu.Unlock()

	rec.Signature = nil
	body, err := MarshalCBOR(rec)
	if err != nil {
		return
	}
	rec.Signature = Sign(r.kp, body)

	recordBytes, err := MarshalCBOR(rec)
	if err != nil {
		return
	}

	r.applyLocal(*rec)

	env := GossipEnvelope{
		RecordKind:    RecordCapability,
		RecordBytes:   recordBytes,
		OriginNodeId:  r.self,
		OriginVersion: rec.Version,
		RecordId:      rec.CapabilityId,
	}
	env.OriginSignature = Sign(r.kp, signedGossipBytes(env))
	r.gossip.Originate(ctx, env, peerCount)
}

func (r *Registry) applyLocal(rec CapabilityRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]CapabilityRecord, len(r.snapshot.capabilities)+1)
	for k, v := range r.snapshot.capabilities {
		next[k] = v
	}
	if rec.IsTombstone() {
		delete(next, rec.CapabilityId)
	} else {
		next[rec.CapabilityId] = rec
	}
	r.snapshot = &registrySnapshot{capabilities: next}
}

// ApplyRemote merges a CapabilityRecord received via gossip into the
// local snapshot if newer, called by the gossip layer's onApply hook.
func (r *Registry) ApplyRemote(env GossipEnvelope) {
	if env.RecordKind != RecordCapability {
		return
	}
	var rec CapabilityRecord
	if err := UnmarshalCBOR(env.RecordBytes, &rec); err != nil {
		return
	}
	r.mu.Lock()
	existing, ok := r.snapshot.capabilities[rec.CapabilityId]
	r.mu.Unlock()
	if ok && existing.Version >= rec.Version {
		return
	}
	r.applyLocal(rec)
}

// Snapshot returns the currently published set of local capabilities.
func (r *Registry) Snapshot() map[string]CapabilityRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot.capabilities
}

// SampleCost reads the current resource pressure via sampler and
// gossips a new CostSample only if it crosses the hysteresis
// thresholds or the resample ceiling has elapsed.
func (r *Registry) SampleCost(ctx context.Context, sampler CostSampler, peerCount int) error {
	sample, err := sampler.Sample()
	if err != nil {
		return fmt.Errorf("sample cost: %w", err)
	}
	sample.NodeId = r.self
	sample.SampledAt = time.Now()

	r.mu.Lock()
	prev := r.lastSample
	elapsed := time.Since(r.lastSampledAt)
	r.mu.Unlock()

	if !shouldResample(prev, sample, elapsed) {
		return nil
	}

	body := sample
	body.Signature = nil
	data, err := MarshalCBOR(body)
	if err != nil {
		return err
	}
	sample.Signature = Sign(r.kp, data)

	r.mu.Lock()
	r.lastSample = sample
	r.lastSampledAt = time.Now()
	r.version++
	version := r.version
	r.mu.Unlock()

	recordBytes, err := MarshalCBOR(sample)
	if err != nil {
		return err
	}
	env := GossipEnvelope{
		RecordKind:    RecordCost,
		RecordBytes:   recordBytes,
		OriginNodeId:  r.self,
		OriginVersion: version,
	}
	env.OriginSignature = Sign(r.kp, signedGossipBytes(env))
	r.gossip.Originate(ctx, env, peerCount)
	return nil
}

func shouldResample(prev, next CostSample, elapsed time.Duration) bool {
	if elapsed >= costResampleCeiling {
		return true
	}
	if prev.SampledAt.IsZero() {
		return true
	}
	if prev.PluggedIn != next.PluggedIn || prev.NetworkMetered != next.NetworkMetered {
		return true
	}
	h := defaultCostHysteresis
	if absFloat(prev.BatteryPercent-next.BatteryPercent) >= h.batteryPercent {
		return true
	}
	if absFloat(prev.CPULoad-next.CPULoad) >= h.cpuLoad {
		return true
	}
	if absFloat(prev.MemoryPercent-next.MemoryPercent) >= h.memoryPercent {
		return true
	}
	return false
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
