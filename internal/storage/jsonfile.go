package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/battery-hawk/battery-hawk/internal/config"
	"github.com/battery-hawk/battery-hawk/internal/protocol"
)

// readingsFile holds one JSON object per line in the data directory.
const readingsFile = "readings.jsonl"

func init() {
	RegisterBackend("json", func(cfg config.SystemConfig, dataDir string) (Backend, error) {
		if dataDir == "" {
			return nil, fmt.Errorf("json storage backend needs a data directory")
		}
		return NewBuffered(newJSONWriter(dataDir), cfg.InfluxDB.ErrorRecovery), nil
	})
}

// jsonWriter appends readings to a line-delimited JSON file. Meant for
// development and small installs; queries scan the whole file.
type jsonWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	log  *logrus.Entry
}

func newJSONWriter(dataDir string) *jsonWriter {
	return &jsonWriter{
		path: filepath.Join(dataDir, readingsFile),
		log:  logrus.WithField("component", "json-storage"),
	}
}

func (w *jsonWriter) Name() string { return "json" }

func (w *jsonWriter) Capabilities() []string {
	return []string{CapTimeSeries}
}

func (w *jsonWriter) Open(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open readings file: %w", err)
	}
	w.file = f
	return nil
}

func (w *jsonWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *jsonWriter) Ping(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ErrNotConnected
	}
	return nil
}

func (w *jsonWriter) Write(ctx context.Context, item BufferedReading) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ErrNotConnected
	}
	line, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append reading: %w", err)
	}
	return nil
}

func (w *jsonWriter) QueryRecent(ctx context.Context, deviceID string, limit int) ([]protocol.Reading, error) {
	items, err := w.scan(func(item BufferedReading) bool {
		return item.DeviceID == deviceID
	})
	if err != nil {
		return nil, err
	}
	// Newest last on disk; return newest first.
	var readings []protocol.Reading
	for i := len(items) - 1; i >= 0 && len(readings) < limit; i-- {
		readings = append(readings, *items[i].Reading)
	}
	return readings, nil
}

func (w *jsonWriter) QuerySummary(ctx context.Context, vehicleID string, hours int) (*Summary, error) {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	items, err := w.scan(func(item BufferedReading) bool {
		return item.VehicleID == vehicleID && item.Reading.Timestamp.After(cutoff)
	})
	if err != nil {
		return nil, err
	}

	summary := &Summary{VehicleID: vehicleID, Hours: hours}
	if len(items) == 0 {
		return summary, nil
	}
	summary.MinVoltage = items[0].Reading.Voltage
	var sumV, sumT, sumSoC float64
	var last time.Time
	for _, item := range items {
		r := item.Reading
		summary.ReadingCount++
		sumV += r.Voltage
		sumT += r.Temperature
		sumSoC += r.StateOfCharge
		if r.Voltage < summary.MinVoltage {
			summary.MinVoltage = r.Voltage
		}
		if r.Voltage > summary.MaxVoltage {
			summary.MaxVoltage = r.Voltage
		}
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}
	n := float64(summary.ReadingCount)
	summary.AvgVoltage = sumV / n
	summary.AvgTemperature = sumT / n
	summary.AvgSoC = sumSoC / n
	summary.LastReading = &last
	return summary, nil
}

func (w *jsonWriter) scan(keep func(BufferedReading) bool) ([]BufferedReading, error) {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var items []BufferedReading
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var item BufferedReading
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil || item.Reading == nil {
			continue
		}
		if keep(item) {
			items = append(items, item)
		}
	}
	return items, scanner.Err()
}
