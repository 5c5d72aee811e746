package relayserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/formthefog/form-net-relay/internal/relaymetrics"
	"github.com/formthefog/form-net-relay/internal/wire"
)

// capabilityLabels maps each advertised capability bit to the label used on
// relay_known_relays_by_capability.
var capabilityLabels = map[uint32]string{
	wire.CapIPv4:          "ipv4",
	wire.CapIPv6:          "ipv6",
	wire.CapTCPFallback:   "tcp_fallback",
	wire.CapHighBandwidth: "high_bandwidth",
	wire.CapLowLatency:    "low_latency",
}

// updateDerivedGauges recomputes the per-region session count and
// per-capability known-relay count gauges from current registry and
// session-table state. Both GaugeVecs are reset first so a label that no
// longer applies (last relay with that capability deregistered, last
// session in a region closed) drops back to absent rather than sticking at
// its last nonzero value.
func (s *Service) updateDerivedGauges() {
	relaymetrics.RelaysByCapability.Reset()
	capCounts := make(map[string]float64, len(capabilityLabels))
	for _, e := range s.reg.Snapshot() {
		for bit, label := range capabilityLabels {
			if e.Info.Capabilities&bit != 0 {
				capCounts[label]++
			}
		}
	}
	for label, n := range capCounts {
		relaymetrics.RelaysByCapability.WithLabelValues(label).Set(n)
	}

	relaymetrics.SessionsByRegion.Reset()
	regionCounts := make(map[string]float64)
	s.table.Range(func(sess *Session) {
		entry, ok := s.reg.Get(sess.Initiator)
		if !ok || !entry.Info.HasRegion || entry.Info.Region == "" {
			return
		}
		regionCounts[entry.Info.Region]++
	})
	for region, n := range regionCounts {
		relaymetrics.SessionsByRegion.WithLabelValues(region).Set(n)
	}
}

// SnapshotDocument is the persisted JSON document. Readers MUST
// tolerate unknown fields, so no struct tag enforces exhaustiveness on
// decode.
type SnapshotDocument struct {
	Version     int                  `json:"version"`
	GeneratedAt time.Time            `json:"generated_at"`
	Relays      []wire.RelayNodeInfo `json:"relays"`
	Stats       SnapshotStats        `json:"stats"`
}

// SnapshotStats is the aggregate counters block of a snapshot.
type SnapshotStats struct {
	ActiveSessions int    `json:"active_sessions"`
	BytesIn        uint64 `json:"bytes_in"`
	BytesOut       uint64 `json:"bytes_out"`
}

// DefaultSnapshotVersion is the document version this build emits.
const DefaultSnapshotVersion = 1

// DefaultSnapshotInterval is how often snapshotLoop writes the file when no
// interval is configured.
const DefaultSnapshotInterval = time.Minute

func (s *Service) snapshotLoop(ctx context.Context) error {
	interval := s.cfg.SnapshotInterval
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.writeSnapshot(); err != nil {
				s.log.Warn("relayserver: snapshot write failed", zap.Error(err))
			}
		}
	}
}

// BuildSnapshot assembles the current registry view and aggregate stats
// into a SnapshotDocument without touching disk; admin surfaces use this for
// on-demand reads, while writeSnapshot persists the same document.
func (s *Service) BuildSnapshot() SnapshotDocument {
	entries := s.reg.Snapshot()
	relays := make([]wire.RelayNodeInfo, 0, len(entries))
	for _, e := range entries {
		relays = append(relays, e.Info)
	}

	return SnapshotDocument{
		Version:     DefaultSnapshotVersion,
		GeneratedAt: s.cfg.Now(),
		Relays:      relays,
		Stats: SnapshotStats{
			ActiveSessions: s.table.Len(),
			BytesIn:        s.totalBytesIn.Load(),
			BytesOut:       s.totalBytesOut.Load(),
		},
	}
}

// writeSnapshot serializes the current registry view and aggregate stats
// and atomically replaces PersistencePath via create-temp-and-rename. No
// session state is persisted,
func (s *Service) writeSnapshot() error {
	doc := s.BuildSnapshot()

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("relayserver: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.cfg.PersistencePath)
	tmp := s.cfg.PersistencePath + ".tmp"
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("relayserver: prepare snapshot dir: %w", err)
		}
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("relayserver: write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, s.cfg.PersistencePath); err != nil {
		return fmt.Errorf("relayserver: rename snapshot into place: %w", err)
	}
	return nil
}

// LoadSnapshot reads and parses a previously written snapshot file,
// tolerating unknown fields.
func LoadSnapshot(path string) (*SnapshotDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relayserver: read snapshot: %w", err)
	}
	var doc SnapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("relayserver: parse snapshot: %w", err)
	}
	return &doc, nil
}
