package bm2

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/battery-hawk/battery-hawk/internal/protocol"
)

const defaultDataWait = 30 * time.Second

func init() {
	protocol.RegisterFamily(protocol.FamilyBM2, func(mac string, conn protocol.Connector) protocol.Device {
		return New(mac, conn)
	})
}

// Device drives one BM2 peripheral over a pooled session.
type Device struct {
	mac      string
	conn     protocol.Connector
	log      *logrus.Entry
	dataWait time.Duration

	mu          sync.Mutex
	session     protocol.Session
	latest      map[string]interface{}
	lastCommand string
	lastErr     error

	dataReady chan struct{}
}

// New creates a BM2 adapter for the given peripheral.
func New(mac string, conn protocol.Connector) *Device {
	return &Device{
		mac:       mac,
		conn:      conn,
		log:       logrus.WithFields(logrus.Fields{"component": "bm2", "mac": mac}),
		dataWait:  defaultDataWait,
		latest:    map[string]interface{}{},
		dataReady: make(chan struct{}, 1),
	}
}

func (d *Device) MAC() string             { return d.mac }
func (d *Device) DeviceType() string      { return protocol.FamilyBM2 }
func (d *Device) ProtocolVersion() string { return "1.0" }

func (d *Device) Capabilities() []string {
	return []string{"voltage", "current", "temperature", "state_of_charge", "capacity", "alarms"}
}

// SetDataWaitTimeout overrides how long ReadData waits for a data packet.
func (d *Device) SetDataWaitTimeout(t time.Duration) {
	d.mu.Lock()
	d.dataWait = t
	d.mu.Unlock()
}

// Connect acquires a pooled session, subscribes to the data characteristic,
// and requests an initial packet.
func (d *Device) Connect(ctx context.Context) error {
	session, err := d.conn.Connect(ctx, d.mac)
	if err != nil {
		return wrapConnErr(d.mac, "connect", err)
	}

	if err := session.Subscribe(ctx, DataCharUUID, d.handleNotification); err != nil {
		_ = d.conn.Disconnect(ctx, d.mac)
		return protocol.NewError(protocol.KindNotification, d.mac, "subscribe failed",
			map[string]interface{}{"characteristic": DataCharUUID}, err)
	}

	d.mu.Lock()
	d.session = session
	d.mu.Unlock()

	if err := d.write(ctx, session, BuildRequestBatteryDataCommand()); err != nil {
		d.log.WithError(err).Warn("initial battery data request failed")
	}
	d.log.Debug("connected")
	return nil
}

// Disconnect tears the subscription down and releases the pooled session.
func (d *Device) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	session := d.session
	d.session = nil
	d.mu.Unlock()

	if session != nil {
		if err := session.Unsubscribe(ctx, DataCharUUID); err != nil {
			d.log.WithError(err).Debug("unsubscribe failed during disconnect")
		}
	}
	if err := d.conn.Disconnect(ctx, d.mac); err != nil {
		return wrapConnErr(d.mac, "disconnect", err)
	}
	return nil
}

// ReadData requests a telemetry packet and waits for it, falling back to the
// latest merged snapshot on timeout when one exists.
func (d *Device) ReadData(ctx context.Context) (*protocol.Reading, error) {
	d.mu.Lock()
	session := d.session
	wait := d.dataWait
	d.mu.Unlock()
	if session == nil {
		return nil, protocol.NewError(protocol.KindState, d.mac, "read_data before connect", nil, nil)
	}

	select {
	case <-d.dataReady:
	default:
	}

	if err := d.write(ctx, session, BuildRequestBatteryDataCommand()); err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-d.dataReady:
		return d.snapshotReading(), nil
	case <-timer.C:
		if r := d.snapshotReading(); r != nil {
			d.log.Debug("data wait timed out, returning latest snapshot")
			return r, nil
		}
		return nil, protocol.NewError(protocol.KindTimeout, d.mac, "no data packet within data wait",
			map[string]interface{}{"timeout": wait.String()}, nil)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, protocol.NewError(protocol.KindTimeout, d.mac, "read_data deadline exceeded", nil, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// SendCommand executes a named protocol command and returns a fresh status
// snapshot. Supported: status, battery_data, set_alarm_threshold,
// configure_display, set_battery_capacity, reset.
func (d *Device) SendCommand(ctx context.Context, name string, params map[string]interface{}) (*protocol.DeviceStatus, error) {
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	if session == nil {
		return nil, protocol.NewError(protocol.KindState, d.mac, "send_command before connect",
			map[string]interface{}{"command": name}, nil)
	}

	var err error
	switch name {
	case "status":
		// Snapshot only.
	case "battery_data":
		err = d.write(ctx, session, BuildRequestBatteryDataCommand())
	case "set_alarm_threshold":
		alarmType, ok1 := toInt(params["alarm_type"])
		threshold, ok2 := toInt(params["threshold"])
		if !ok1 || !ok2 || alarmType < AlarmLowVoltage || alarmType > AlarmHighTemperature || threshold < 0 || threshold > 0xFFFF {
			return nil, protocol.NewError(protocol.KindCommand, d.mac, "invalid alarm threshold arguments",
				map[string]interface{}{"command": name}, nil)
		}
		err = d.write(ctx, session, BuildSetAlarmThresholdCommand(byte(alarmType), uint16(threshold)))
	case "configure_display":
		mode, ok := toInt(params["mode"])
		if !ok || mode < DisplayBasic || mode > DisplayDetailed {
			return nil, protocol.NewError(protocol.KindCommand, d.mac, "invalid display mode",
				map[string]interface{}{"command": name}, nil)
		}
		err = d.write(ctx, session, BuildConfigureDisplayCommand(byte(mode)))
	case "set_battery_capacity":
		capacity, ok := toInt(params["capacity_mah"])
		if !ok || capacity <= 0 || capacity > 0xFFFF {
			return nil, protocol.NewError(protocol.KindCommand, d.mac, "invalid battery capacity",
				map[string]interface{}{"command": name}, nil)
		}
		err = d.write(ctx, session, BuildSetBatteryCapacityCommand(uint16(capacity)))
	case "reset":
		err = d.write(ctx, session, BuildResetDeviceCommand())
	default:
		return nil, protocol.NewError(protocol.KindCommand, d.mac, "unsupported command",
			map[string]interface{}{"command": name}, nil)
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.lastCommand = name
	d.mu.Unlock()
	return d.Status(), nil
}

// Status builds a status snapshot without touching the wire.
func (d *Device) Status() *protocol.DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := &protocol.DeviceStatus{
		Connected:       d.session != nil && d.session.Connected(),
		ProtocolVersion: d.ProtocolVersion(),
		LastCommand:     d.lastCommand,
		Timestamp:       time.Now(),
	}
	if d.lastErr != nil {
		var perr *protocol.Error
		if errors.As(d.lastErr, &perr) {
			s.ErrorCode = perr.Code()
		}
		s.ErrorMessage = d.lastErr.Error()
	}
	return s
}

func (d *Device) write(ctx context.Context, session protocol.Session, data []byte) error {
	if err := session.Write(ctx, CommandCharUUID, data); err != nil {
		return wrapConnErr(d.mac, "write", err)
	}
	return nil
}

func (d *Device) handleNotification(data []byte) {
	fields, err := ParseBatteryData(data)
	if err != nil {
		kind := protocol.KindDataParsing
		if len(data) >= minDataPacketLength && data[0] == dataPacketHeader {
			kind = protocol.KindChecksum
		}
		d.mu.Lock()
		d.lastErr = protocol.NewError(kind, d.mac, "data packet rejected", nil, err)
		d.mu.Unlock()
		d.log.WithError(err).Warn("dropping invalid data packet")
		return
	}

	d.mu.Lock()
	for k, v := range fields {
		d.latest[k] = v
	}
	d.lastErr = nil
	d.mu.Unlock()

	select {
	case d.dataReady <- struct{}{}:
	default:
	}
}

// snapshotReading converts the merged latest map into a Reading. Returns nil
// until a packet has been observed.
func (d *Device) snapshotReading() *protocol.Reading {
	d.mu.Lock()
	defer d.mu.Unlock()

	voltage, ok := d.latest["voltage"].(float64)
	if !ok {
		return nil
	}
	r := &protocol.Reading{
		Voltage:   voltage,
		Timestamp: time.Now(),
		Extra:     map[string]interface{}{},
	}
	if v, ok := d.latest["current"].(float64); ok {
		r.Current = v
	}
	if v, ok := d.latest["temperature"].(float64); ok {
		r.Temperature = v
	}
	if v, ok := d.latest["state_of_charge"].(float64); ok {
		r.StateOfCharge = v
	}
	if v, ok := d.latest["capacity_mah"].(int); ok {
		r.Capacity = float64(v)
	}
	if v, ok := d.latest["power"].(float64); ok {
		r.Power = v
	}
	for k, v := range d.latest {
		switch k {
		case "voltage", "current", "temperature", "state_of_charge", "capacity", "capacity_mah", "power":
		default:
			r.Extra[k] = v
		}
	}
	return r
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func wrapConnErr(mac, op string, err error) error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return err
	}
	return protocol.NewError(protocol.KindConnection, mac, op+" failed", nil, err)
}
