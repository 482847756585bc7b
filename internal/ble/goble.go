package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/battery-hawk/battery-hawk/internal/protocol"
)

// NewTransport builds the go-ble backed transport. Overridable so tests can
// substitute a mock transport without touching the host stack.
var NewTransport = func() (Transport, error) {
	return &gobleTransport{
		log: logrus.WithField("component", "ble"),
	}, nil
}

type gobleTransport struct {
	log *logrus.Entry

	initOnce sync.Once
	initErr  error
}

// ensureDevice initializes the host adapter exactly once.
func (t *gobleTransport) ensureDevice() error {
	t.initOnce.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			t.initErr = fmt.Errorf("ble device init: %w", err)
			return
		}
		ble.SetDefaultDevice(dev)
	})
	return t.initErr
}

func (t *gobleTransport) Scan(ctx context.Context, duration time.Duration, handler func(Sighting)) error {
	if err := acquireScanGate(ctx); err != nil {
		return err
	}
	defer releaseScanGate()

	if err := t.ensureDevice(); err != nil {
		return err
	}

	scanCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	t.log.WithField("duration", duration).Debug("scanning")
	err := ble.Scan(scanCtx, true, func(adv ble.Advertisement) {
		handler(sightingFromAdv(adv))
	}, nil)
	// The deadline firing is how a scan window normally ends.
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scan: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (t *gobleTransport) Dial(ctx context.Context, mac string) (Client, error) {
	if err := t.ensureDevice(); err != nil {
		return nil, err
	}

	// Connect initiation contends with scanning on most host stacks.
	if err := acquireScanGate(ctx); err != nil {
		return nil, err
	}
	client, err := ble.Dial(ctx, ble.NewAddr(mac))
	releaseScanGate()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", mac, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.log.WithError(cancelErr).Warn("cancel connection after profile discovery failure")
		}
		return nil, fmt.Errorf("discover profile %s: %w", mac, err)
	}

	chars := map[string]*ble.Characteristic{}
	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			chars[normalizeUUID(char.UUID.String())] = char
		}
	}

	t.log.WithFields(logrus.Fields{
		"mac":             mac,
		"services":        len(profile.Services),
		"characteristics": len(chars),
	}).Debug("profile discovered")

	return &gobleClient{client: client, chars: chars}, nil
}

type gobleClient struct {
	client ble.Client
	chars  map[string]*ble.Characteristic

	writeMu sync.Mutex
}

func (c *gobleClient) characteristic(uuid string) (*ble.Characteristic, error) {
	char, ok := c.chars[normalizeUUID(uuid)]
	if !ok {
		return nil, fmt.Errorf("characteristic %q not found", uuid)
	}
	return char, nil
}

func (c *gobleClient) Write(ctx context.Context, characteristic string, data []byte) error {
	char, err := c.characteristic(characteristic)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.client.WriteCharacteristic(char, data, false); err != nil {
		return fmt.Errorf("write %s: %w", characteristic, err)
	}
	return nil
}

func (c *gobleClient) Subscribe(characteristic string, handler func(data []byte)) error {
	char, err := c.characteristic(characteristic)
	if err != nil {
		return err
	}
	if err := c.client.Subscribe(char, false, func(data []byte) {
		handler(data)
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", characteristic, err)
	}
	return nil
}

func (c *gobleClient) Unsubscribe(characteristic string) error {
	char, err := c.characteristic(characteristic)
	if err != nil {
		return err
	}
	if err := c.client.Unsubscribe(char, false); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", characteristic, err)
	}
	return nil
}

func (c *gobleClient) Connected() bool {
	select {
	case <-c.client.Disconnected():
		return false
	default:
		return true
	}
}

func (c *gobleClient) Close() error {
	return c.client.CancelConnection()
}

func sightingFromAdv(adv ble.Advertisement) Sighting {
	s := Sighting{
		MAC:              protocol.NormalizeMAC(adv.Addr().String()),
		Name:             adv.LocalName(),
		RSSI:             adv.RSSI(),
		Connectable:      adv.Connectable(),
		ManufacturerData: adv.ManufacturerData(),
		ServiceData:      map[string][]byte{},
		Timestamp:        time.Now(),
	}
	if s.MAC == "" {
		// Hosts that hide public addresses hand out opaque identifiers.
		s.MAC = strings.ToUpper(adv.Addr().String())
	}
	for _, uuid := range adv.Services() {
		s.ServiceUUIDs = append(s.ServiceUUIDs, normalizeUUID(uuid.String()))
	}
	for _, sd := range adv.ServiceData() {
		s.ServiceData[normalizeUUID(sd.UUID.String())] = sd.Data
	}
	if tx := adv.TxPowerLevel(); tx != 127 { // 127 means not available
		power := tx
		s.TxPower = &power
	}
	return s
}

// normalizeUUID lowercases, strips dashes and any 0x prefix, and reduces
// UUIDs in the Bluetooth SIG base format to their 16-bit short form so
// "0000fff4-0000-1000-8000-00805f9b34fb" and "fff4" compare equal.
func normalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimPrefix(uuid, "0x"))
	u = strings.ReplaceAll(u, "-", "")
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, "00001000800000805f9b34fb") {
		return u[4:8]
	}
	return u
}
