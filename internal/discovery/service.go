// Package discovery runs BLE scans, tracks sightings, persists the last scan
// snapshot, and auto-configures recognized battery monitors.
package discovery

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/battery-hawk/battery-hawk/internal/ble"
	"github.com/battery-hawk/battery-hawk/internal/protocol"
	"github.com/battery-hawk/battery-hawk/internal/ringchan"
)

// SnapshotFile is the discovery snapshot persisted in the data directory.
const SnapshotFile = "discovered_devices.json"

// minShortScan is the floor for stop-on-new scan slices.
const minShortScan = 5 * time.Second

// EventType marks whether a sighting is new or a refresh.
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

// Event is one sighting emitted on the events channel.
type Event struct {
	Type     EventType
	Sighting ble.Sighting
}

// Record is one discovered device as persisted in the snapshot file.
type Record struct {
	MAC              string            `json:"mac"`
	Name             string            `json:"name,omitempty"`
	RSSI             int               `json:"rssi,omitempty"`
	DiscoveredAt     time.Time         `json:"discovered_at"`
	ServiceUUIDs     []string          `json:"service_uuids,omitempty"`
	ManufacturerData string            `json:"manufacturer_data,omitempty"`
	ServiceData      map[string]string `json:"service_data,omitempty"`
	LocalName        string            `json:"local_name,omitempty"`
	TxPower          *int              `json:"tx_power,omitempty"`
	PlatformData     map[string]any    `json:"platform_data,omitempty"`
}

// Options configures one scan.
type Options struct {
	Duration  time.Duration
	StopOnNew bool
	// ShortTimeout is the slice length in stop-on-new mode. Zero derives
	// max(5s, Duration/10).
	ShortTimeout time.Duration
}

// Service owns scanning. Known MACs persist across scans so stop-on-new can
// tell a fresh device from a refresh.
type Service struct {
	transport ble.Transport
	dataDir   string
	log       *logrus.Entry

	known  *hashmap.Map[string, Record]
	events *ringchan.RingChannel[Event]

	persistSnapshot bool
}

// NewService creates a discovery service. dataDir receives the snapshot
// file; empty disables snapshot persistence.
func NewService(transport ble.Transport, dataDir string) *Service {
	return &Service{
		transport:       transport,
		dataDir:         dataDir,
		log:             logrus.WithField("component", "discovery"),
		known:           hashmap.New[string, Record](),
		events:          ringchan.New[Event](100),
		persistSnapshot: dataDir != "",
	}
}

// Events returns the sighting event channel. Slow consumers lose the oldest
// events rather than stalling scans.
func (s *Service) Events() <-chan Event {
	return s.events.C()
}

// Known returns a snapshot of every device seen so far.
func (s *Service) Known() []Record {
	out := make([]Record, 0, s.known.Len())
	s.known.Range(func(_ string, rec Record) bool {
		out = append(out, rec)
		return true
	})
	return out
}

// Scan performs discovery. With StopOnNew it issues repeated short slices of
// max(5s, Duration/10) until an unseen MAC appears or the full duration
// elapses; otherwise one scan of the full duration. Returns the records
// sighted during this call.
func (s *Service) Scan(ctx context.Context, opts Options) ([]Record, error) {
	if opts.Duration <= 0 {
		opts.Duration = 10 * time.Second
	}

	seen := map[string]Record{}
	foundNew := false
	handler := func(sighting ble.Sighting) {
		rec := recordFromSighting(sighting)
		_, existing := s.known.Get(rec.MAC)
		if !existing {
			foundNew = true
			s.log.WithFields(logrus.Fields{
				"mac":  rec.MAC,
				"name": rec.Name,
				"rssi": rec.RSSI,
			}).Info("discovered new device")
		}
		s.known.Set(rec.MAC, rec)
		seen[rec.MAC] = rec

		ev := Event{Type: EventUpdated, Sighting: sighting}
		if !existing {
			ev.Type = EventNew
		}
		s.events.Send(ev)
	}

	if !opts.StopOnNew {
		if err := s.transport.Scan(ctx, opts.Duration, handler); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
	} else {
		slice := opts.ShortTimeout
		if slice <= 0 {
			slice = opts.Duration / 10
			if slice < minShortScan {
				slice = minShortScan
			}
		}
		deadline := time.Now().Add(opts.Duration)
		for !foundNew && time.Now().Before(deadline) {
			remaining := time.Until(deadline)
			if remaining < slice {
				slice = remaining
			}
			if err := s.transport.Scan(ctx, slice, handler); err != nil {
				return nil, fmt.Errorf("scan slice: %w", err)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}

	records := make([]Record, 0, len(seen))
	for _, rec := range seen {
		records = append(records, rec)
	}
	s.log.WithField("device_count", len(records)).Info("scan completed")

	if s.persistSnapshot {
		if err := s.saveSnapshot(); err != nil {
			s.log.WithError(err).Warn("discovery snapshot write failed")
		}
	}
	return records, nil
}

func recordFromSighting(sighting ble.Sighting) Record {
	rec := Record{
		MAC:          sighting.MAC,
		Name:         sighting.Name,
		RSSI:         sighting.RSSI,
		DiscoveredAt: sighting.Timestamp,
		ServiceUUIDs: sighting.ServiceUUIDs,
		LocalName:    sighting.Name,
		TxPower:      sighting.TxPower,
	}
	if len(sighting.ManufacturerData) > 0 {
		rec.ManufacturerData = hex.EncodeToString(sighting.ManufacturerData)
	}
	if len(sighting.ServiceData) > 0 {
		rec.ServiceData = map[string]string{}
		for uuid, data := range sighting.ServiceData {
			rec.ServiceData[uuid] = hex.EncodeToString(data)
		}
	}
	rec.PlatformData = map[string]any{"connectable": sighting.Connectable}
	return rec
}

type snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Devices []Record  `json:"devices"`
}

func (s *Service) saveSnapshot() error {
	snap := snapshot{Version: 1, SavedAt: time.Now(), Devices: s.Known()}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(s.dataDir, SnapshotFile)
	tmp, err := os.CreateTemp(s.dataDir, SnapshotFile+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// LoadSnapshot seeds the known set from a previous run's snapshot file.
func (s *Service) LoadSnapshot() error {
	path := filepath.Join(s.dataDir, SnapshotFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, rec := range snap.Devices {
		if protocol.NormalizeMAC(rec.MAC) == "" {
			continue
		}
		s.known.Set(rec.MAC, rec)
	}
	s.log.WithField("devices", len(snap.Devices)).Debug("discovery snapshot loaded")
	return nil
}
