package bm6

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
	protocol.RegisterFamily(protocol.FamilyBM6, func(mac string, conn protocol.Connector) protocol.Device {
		return New(mac, conn)
	})
}

// Device drives one BM6 peripheral over a pooled session.
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

	// dataReady latches when a notification delivers any of voltage,
	// temperature, or state of charge.
	dataReady chan struct{}
}

// New creates a BM6 adapter for the given peripheral.
func New(mac string, conn protocol.Connector) *Device {
	return &Device{
		mac:       mac,
		conn:      conn,
		log:       logrus.WithFields(logrus.Fields{"component": "bm6", "mac": mac}),
		dataWait:  defaultDataWait,
		latest:    map[string]interface{}{},
		dataReady: make(chan struct{}, 1),
	}
}

func (d *Device) MAC() string             { return d.mac }
func (d *Device) DeviceType() string      { return protocol.FamilyBM6 }
func (d *Device) ProtocolVersion() string { return "2.0" }

func (d *Device) Capabilities() []string {
	return []string{"voltage", "temperature", "state_of_charge", "firmware_version", "rapid_motion"}
}

// SetDataWaitTimeout overrides how long ReadData waits for a notification.
func (d *Device) SetDataWaitTimeout(t time.Duration) {
	d.mu.Lock()
	d.dataWait = t
	d.mu.Unlock()
}

// Connect acquires a pooled session, subscribes to telemetry notifications,
// and sends the initial voltage/temperature request.
func (d *Device) Connect(ctx context.Context) error {
	session, err := d.conn.Connect(ctx, d.mac)
	if err != nil {
		return wrapConnErr(d.mac, "connect", err)
	}

	if err := session.Subscribe(ctx, NotifyCharUUID, d.handleNotification); err != nil {
		_ = d.conn.Disconnect(ctx, d.mac)
		return protocol.NewError(protocol.KindNotification, d.mac, "subscribe failed",
			map[string]interface{}{"characteristic": NotifyCharUUID}, err)
	}

	d.mu.Lock()
	d.session = session
	d.mu.Unlock()

	if err := d.requestVoltageTemp(ctx, session); err != nil {
		d.log.WithError(err).Warn("initial voltage/temp request failed")
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
		if err := session.Unsubscribe(ctx, NotifyCharUUID); err != nil {
			d.log.WithError(err).Debug("unsubscribe failed during disconnect")
		}
	}
	if err := d.conn.Disconnect(ctx, d.mac); err != nil {
		return wrapConnErr(d.mac, "disconnect", err)
	}
	return nil
}

// ReadData issues a telemetry request and waits up to the data-wait timeout
// for a notification. On timeout it falls back to the latest merged snapshot
// when one exists.
func (d *Device) ReadData(ctx context.Context) (*protocol.Reading, error) {
	d.mu.Lock()
	session := d.session
	wait := d.dataWait
	d.mu.Unlock()
	if session == nil {
		return nil, protocol.NewError(protocol.KindState, d.mac, "read_data before connect", nil, nil)
	}

	// Clear a stale latch from an unsolicited notification.
	select {
	case <-d.dataReady:
	default:
	}

	if err := d.requestVoltageTemp(ctx, session); err != nil {
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
		return nil, protocol.NewError(protocol.KindTimeout, d.mac, "no notification within data wait",
			map[string]interface{}{"timeout": wait.String()}, nil)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, protocol.NewError(protocol.KindTimeout, d.mac, "read_data deadline exceeded", nil, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// SendCommand executes a named protocol command and returns a fresh status
// snapshot.
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
		// Snapshot only, no wire traffic.
	case "voltage_temp":
		err = d.requestVoltageTemp(ctx, session)
	case "basic_info":
		err = d.write(ctx, session, BuildBasicInfoRequest())
	case "cell_voltages":
		err = d.write(ctx, session, BuildCellVoltagesRequest())
	case "set_parameter":
		id, value, perr := setParameterArgs(params)
		if perr != nil {
			return nil, protocol.NewError(protocol.KindCommand, d.mac, perr.Error(),
				map[string]interface{}{"command": name}, nil)
		}
		err = d.write(ctx, session, BuildSetParameterCommand(id, value))
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

func (d *Device) requestVoltageTemp(ctx context.Context, session protocol.Session) error {
	req, err := BuildVoltageTempRequest()
	if err != nil {
		return protocol.NewError(protocol.KindCommand, d.mac, "build voltage/temp request", nil, err)
	}
	return d.write(ctx, session, req)
}

func (d *Device) write(ctx context.Context, session protocol.Session, data []byte) error {
	if err := session.Write(ctx, WriteCharUUID, data); err != nil {
		return wrapConnErr(d.mac, "write", err)
	}
	return nil
}

func (d *Device) handleNotification(data []byte) {
	fields, err := ParseNotification(data)
	if err != nil {
		d.mu.Lock()
		d.lastErr = protocol.NewError(protocol.KindDataParsing, d.mac, "notification parse failed", nil, err)
		d.mu.Unlock()
		d.log.WithError(err).Warn("dropping unparseable notification")
		return
	}
	if fields == nil {
		// Command echo.
		return
	}

	d.mu.Lock()
	for k, v := range fields {
		d.latest[k] = v
	}
	d.lastErr = nil
	_, hasV := fields["voltage"]
	_, hasT := fields["temperature"]
	_, hasS := fields["state_of_charge"]
	d.mu.Unlock()

	if hasV || hasT || hasS {
		select {
		case d.dataReady <- struct{}{}:
		default:
		}
	}
}

// snapshotReading converts the merged latest map into a Reading. Returns nil
// until a voltage has been observed.
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
	if v, ok := d.latest["remaining_capacity"].(float64); ok {
		r.Capacity = v * 1000 // Ah to mAh
	}
	if v, ok := d.latest["cycles"].(int); ok {
		r.Cycles = v
	}
	r.Power = r.Voltage * r.Current
	for k, v := range d.latest {
		switch k {
		case "voltage", "current", "temperature", "state_of_charge", "remaining_capacity", "cycles":
		default:
			r.Extra[k] = v
		}
	}
	return r
}

func setParameterArgs(params map[string]interface{}) (byte, uint16, error) {
	id, ok := toInt(params["parameter_id"])
	if !ok || id < 0 || id > 0xFF {
		return 0, 0, errors.New("set_parameter requires parameter_id in [0,255]")
	}
	value, ok := toInt(params["value"])
	if !ok || value < 0 || value > 0xFFFF {
		return 0, 0, errors.New("set_parameter requires value in [0,65535]")
	}
	return byte(id), uint16(value), nil
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
