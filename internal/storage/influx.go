package storage

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"

	"github.com/battery-hawk/battery-hawk/internal/config"
	"github.com/battery-hawk/battery-hawk/internal/protocol"
)

// readingMeasurement is the InfluxDB measurement readings are written to.
const readingMeasurement = "battery_reading"

func init() {
	RegisterBackend("influxdb", func(cfg config.SystemConfig, _ string) (Backend, error) {
		return NewBuffered(newInfluxWriter(cfg.InfluxDB), cfg.InfluxDB.ErrorRecovery), nil
	})
}

// influxWriter talks to InfluxDB 1.8 through the v2 client's compatibility
// mode: token "username:password", bucket "database/retention_policy".
type influxWriter struct {
	cfg    config.InfluxDBConfig
	log    *logrus.Entry
	client influxdb2.Client
	query  influxapi.QueryAPI

	// policies sorted by descending current threshold for the chooser.
	policies []policyRule
}

type policyRule struct {
	name      string
	threshold float64
}

func newInfluxWriter(cfg config.InfluxDBConfig) *influxWriter {
	w := &influxWriter{
		cfg: cfg,
		log: logrus.WithField("component", "influxdb"),
	}
	for name, rp := range cfg.RetentionPolicies {
		if rp.CurrentThreshold > 0 {
			w.policies = append(w.policies, policyRule{name: name, threshold: rp.CurrentThreshold})
		}
	}
	sort.Slice(w.policies, func(i, j int) bool {
		return w.policies[i].threshold > w.policies[j].threshold
	})
	return w
}

func (w *influxWriter) Name() string { return "influxdb" }

func (w *influxWriter) Capabilities() []string {
	return []string{CapTimeSeries, CapAggregation, CapRetention, CapRealTime}
}

func (w *influxWriter) serverURL() string {
	return fmt.Sprintf("http://%s:%d", w.cfg.Host, w.cfg.Port)
}

func (w *influxWriter) token() string {
	return w.cfg.Username + ":" + w.cfg.Password
}

func (w *influxWriter) Open(ctx context.Context) error {
	client := influxdb2.NewClientWithOptions(w.serverURL(), w.token(),
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(uint(max(w.cfg.Timeout, 1))))

	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("influxdb ping: %w", err)
	}
	if !ok {
		client.Close()
		return fmt.Errorf("influxdb at %s not ready", w.serverURL())
	}

	w.client = client
	w.query = client.QueryAPI("")
	if err := w.ensureRetentionPolicies(ctx); err != nil {
		w.log.WithError(err).Warn("retention policy setup failed")
	}
	return nil
}

// ensureRetentionPolicies creates or alters configured policies. The v2
// client has no InfluxQL surface, so this goes through the 1.8 /query
// endpoint directly.
func (w *influxWriter) ensureRetentionPolicies(ctx context.Context) error {
	for name, rp := range w.cfg.RetentionPolicies {
		if rp.Duration == "" {
			continue
		}
		stmt := fmt.Sprintf("CREATE RETENTION POLICY %q ON %q DURATION %s REPLICATION %d",
			name, w.cfg.Database, rp.Duration, max(rp.Replication, 1))
		if rp.ShardDuration != "" {
			stmt += " SHARD DURATION " + rp.ShardDuration
		}
		if rp.Default {
			stmt += " DEFAULT"
		}
		if err := w.execInfluxQL(ctx, stmt); err != nil {
			return fmt.Errorf("policy %s: %w", name, err)
		}
	}
	return nil
}

func (w *influxWriter) execInfluxQL(ctx context.Context, stmt string) error {
	q := url.Values{"q": {stmt}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		w.serverURL()+"/query?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	if w.cfg.Username != "" {
		req.SetBasicAuth(w.cfg.Username, w.cfg.Password)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("influxql status %d", resp.StatusCode)
	}
	return nil
}

func (w *influxWriter) Close(ctx context.Context) error {
	if w.client != nil {
		w.client.Close()
		w.client = nil
		w.query = nil
	}
	return nil
}

func (w *influxWriter) Ping(ctx context.Context) error {
	if w.client == nil {
		return ErrNotConnected
	}
	ok, err := w.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influxdb not ready")
	}
	return nil
}

// bucketFor routes a reading to "database/policy". High instantaneous
// current goes to the highest matching threshold policy; everything else
// lands on the database default.
func (w *influxWriter) bucketFor(reading *protocol.Reading) string {
	for _, p := range w.policies {
		if math.Abs(reading.Current) >= p.threshold {
			return w.cfg.Database + "/" + p.name
		}
	}
	return w.cfg.Database
}

func (w *influxWriter) Write(ctx context.Context, item BufferedReading) error {
	if w.client == nil {
		return ErrNotConnected
	}
	r := item.Reading

	fields := map[string]interface{}{
		"voltage":         r.Voltage,
		"current":         r.Current,
		"temperature":     r.Temperature,
		"state_of_charge": r.StateOfCharge,
	}
	if r.Capacity != 0 {
		fields["capacity"] = r.Capacity
	}
	if r.Cycles != 0 {
		fields["cycles"] = r.Cycles
	}
	if r.Power != 0 {
		fields["power"] = r.Power
	}

	tags := map[string]string{
		"device_id":   item.DeviceID,
		"device_type": item.DeviceType,
	}
	if item.VehicleID != "" {
		tags["vehicle_id"] = item.VehicleID
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = item.BufferedAt
	}
	point := influxdb2.NewPoint(readingMeasurement, tags, fields, ts)
	return w.client.WriteAPIBlocking("", w.bucketFor(r)).WritePoint(ctx, point)
}

func (w *influxWriter) QueryRecent(ctx context.Context, deviceID string, limit int) ([]protocol.Reading, error) {
	if w.query == nil {
		return nil, ErrNotConnected
	}
	flux := fmt.Sprintf(`from(bucket: %s)
  |> range(start: -30d)
  |> filter(fn: (r) => r._measurement == %s and r.device_id == %s)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)`,
		fluxString(w.cfg.Database), fluxString(readingMeasurement), fluxString(deviceID), limit)

	result, err := w.query.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("query recent readings: %w", err)
	}
	defer result.Close()

	var readings []protocol.Reading
	for result.Next() {
		rec := result.Record()
		readings = append(readings, protocol.Reading{
			Voltage:       recordFloat(rec.ValueByKey("voltage")),
			Current:       recordFloat(rec.ValueByKey("current")),
			Temperature:   recordFloat(rec.ValueByKey("temperature")),
			StateOfCharge: recordFloat(rec.ValueByKey("state_of_charge")),
			Capacity:      recordFloat(rec.ValueByKey("capacity")),
			Power:         recordFloat(rec.ValueByKey("power")),
			Timestamp:     rec.Time(),
		})
	}
	if result.Err() != nil {
		return nil, result.Err()
	}
	return readings, nil
}

func (w *influxWriter) QuerySummary(ctx context.Context, vehicleID string, hours int) (*Summary, error) {
	if w.query == nil {
		return nil, ErrNotConnected
	}
	flux := fmt.Sprintf(`from(bucket: %s)
  |> range(start: -%dh)
  |> filter(fn: (r) => r._measurement == %s and r.vehicle_id == %s)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")`,
		fluxString(w.cfg.Database), hours, fluxString(readingMeasurement), fluxString(vehicleID))

	result, err := w.query.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("query vehicle summary: %w", err)
	}
	defer result.Close()

	summary := &Summary{VehicleID: vehicleID, Hours: hours, MinVoltage: math.MaxFloat64}
	var sumV, sumT, sumSoC float64
	var last time.Time
	for result.Next() {
		rec := result.Record()
		v := recordFloat(rec.ValueByKey("voltage"))
		summary.ReadingCount++
		sumV += v
		sumT += recordFloat(rec.ValueByKey("temperature"))
		sumSoC += recordFloat(rec.ValueByKey("state_of_charge"))
		if v < summary.MinVoltage {
			summary.MinVoltage = v
		}
		if v > summary.MaxVoltage {
			summary.MaxVoltage = v
		}
		if rec.Time().After(last) {
			last = rec.Time()
		}
	}
	if result.Err() != nil {
		return nil, result.Err()
	}
	if summary.ReadingCount == 0 {
		summary.MinVoltage = 0
		return summary, nil
	}
	n := float64(summary.ReadingCount)
	summary.AvgVoltage = sumV / n
	summary.AvgTemperature = sumT / n
	summary.AvgSoC = sumSoC / n
	summary.LastReading = &last
	return summary, nil
}

// fluxString renders a Flux string literal with quoting.
func fluxString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func recordFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	default:
		return 0
	}
}
