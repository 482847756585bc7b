package core

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/battery-hawk/battery-hawk/internal/config"
	"github.com/battery-hawk/battery-hawk/internal/registry"
)

// associator links unassociated configured devices to vehicles, by rule
// match first and by creating a vehicle from the device's friendly name as
// a fallback.
type associator struct {
	engine *Engine
	log    *logrus.Entry
}

func newAssociator(engine *Engine) *associator {
	return &associator{engine: engine, log: logrus.WithField("component", "association")}
}

// supervise runs the association pass on the configured interval.
func (a *associator) supervise(ctx context.Context) {
	interval := time.Duration(a.engine.cfg.System().VehicleAssociation.Interval) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.run(ctx)
		}
	}
}

func (a *associator) run(ctx context.Context) {
	rules := a.engine.cfg.System().VehicleAssociation.Vehicles
	associated := 0

	for _, rec := range a.engine.Devices.ListConfigured() {
		if ctx.Err() != nil {
			return
		}
		if rec.VehicleID != "" {
			continue
		}

		vehicleID := a.matchRules(rec, rules)
		if vehicleID == "" {
			var err error
			vehicleID, err = a.fallbackVehicle(rec)
			if err != nil {
				a.log.WithError(err).WithField("mac", rec.MAC).Warn("fallback vehicle creation failed")
				continue
			}
		}
		if vehicleID == "" {
			continue
		}

		if err := a.engine.Devices.SetVehicle(rec.MAC, vehicleID); err != nil {
			a.log.WithError(err).WithField("mac", rec.MAC).Warn("vehicle association failed")
			continue
		}
		a.engine.State.SetVehicleAssociation(rec.MAC, vehicleID)
		a.engine.Events.Emit(Event{Type: EventVehicleAssociated, MAC: rec.MAC, VehicleID: vehicleID})
		a.log.WithFields(logrus.Fields{"mac": rec.MAC, "vehicle": vehicleID}).Info("device associated")
		associated++
	}

	a.refreshCounts()
	if associated > 0 {
		a.log.WithField("associated", associated).Info("association pass completed")
	}
}

// matchRules returns the id of the first configured vehicle whose rules
// match the device. Rules with multiple criteria require all of them.
func (a *associator) matchRules(rec registry.DeviceRecord, rules []config.VehicleRule) string {
	for _, rule := range rules {
		r := rule.AssociationRules
		if r.DeviceType == "" && r.NamePattern == "" && r.MACPattern == "" {
			continue
		}
		if r.DeviceType != "" && !strings.EqualFold(r.DeviceType, rec.Family) {
			continue
		}
		if r.NamePattern != "" && !matchPattern(r.NamePattern, deviceName(rec)) {
			continue
		}
		if r.MACPattern != "" && !matchPattern(r.MACPattern, rec.MAC) {
			continue
		}
		return a.ensureVehicle(rule)
	}
	return ""
}

// ensureVehicle resolves a rule's vehicle, creating it on first match.
func (a *associator) ensureVehicle(rule config.VehicleRule) string {
	if rule.ID != "" {
		if _, ok := a.engine.Vehicles.Get(rule.ID); ok {
			return rule.ID
		}
		id, err := a.engine.Vehicles.Create(rule.Name, rule.ID)
		if err != nil {
			a.log.WithError(err).WithField("vehicle", rule.ID).Warn("rule vehicle creation failed")
			return ""
		}
		return id
	}
	if rule.Name != "" {
		if v, ok := a.engine.Vehicles.FindByName(rule.Name); ok {
			return v.ID
		}
		id, err := a.engine.Vehicles.Create(rule.Name, "")
		if err != nil {
			return ""
		}
		return id
	}
	return ""
}

// fallbackVehicle creates (or reuses) a vehicle named from the device.
func (a *associator) fallbackVehicle(rec registry.DeviceRecord) (string, error) {
	name := deviceName(rec)
	if v, ok := a.engine.Vehicles.FindByName(name); ok {
		return v.ID, nil
	}
	return a.engine.Vehicles.Create(name, "")
}

func (a *associator) refreshCounts() {
	for _, v := range a.engine.Vehicles.List() {
		count := len(a.engine.Devices.ListByVehicle(v.ID))
		if count != v.DeviceCount {
			if err := a.engine.Vehicles.SetDeviceCount(v.ID, count); err != nil {
				a.log.WithError(err).WithField("vehicle", v.ID).Warn("device count update failed")
			}
		}
	}
}

func deviceName(rec registry.DeviceRecord) string {
	if rec.FriendlyName != "" {
		return rec.FriendlyName
	}
	if rec.AdvertisedName != "" {
		return rec.AdvertisedName
	}
	return rec.MAC
}

// matchPattern treats the pattern as a regular expression, falling back to a
// case-insensitive substring check when it does not compile.
func matchPattern(pattern, value string) bool {
	if re, err := regexp.Compile("(?i)" + pattern); err == nil {
		return re.MatchString(value)
	}
	return strings.Contains(strings.ToLower(value), strings.ToLower(pattern))
}
