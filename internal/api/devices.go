package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/battery-hawk/battery-hawk/internal/protocol"
	"github.com/battery-hawk/battery-hawk/internal/registry"
)

func deviceResource(rec registry.DeviceRecord) Resource {
	return Resource{Type: "devices", ID: rec.MAC, Attributes: rec}
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	limit, offset, perr := pagination(r)
	if perr != nil {
		writePaginationError(w, perr)
		return
	}

	all := s.engine.Devices.List()
	total := len(all)

	var page []registry.DeviceRecord
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		page = all[offset:end]
	}

	resources := make([]Resource, 0, len(page))
	for _, rec := range page {
		resources = append(resources, deviceResource(rec))
	}
	writeList(w, resources, map[string]interface{}{
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	mac := chi.URLParam(r, "mac")
	rec, ok := s.engine.Devices.Get(mac)
	if !ok {
		writeError(w, http.StatusNotFound, "device not found", mac)
		return
	}
	writeResource(w, http.StatusOK, deviceResource(rec))
}

type deviceAttributes struct {
	MAC             string  `json:"mac,omitempty"`
	Family          string  `json:"family,omitempty"`
	FriendlyName    *string `json:"friendly_name,omitempty"`
	VehicleID       *string `json:"vehicle_id,omitempty"`
	PollingInterval int     `json:"polling_interval,omitempty"`
}

// configureDevice promotes an already-discovered device to configured. An
// unknown MAC is a 404: devices enter the registry through discovery, not
// through the API.
func (s *Server) configureDevice(w http.ResponseWriter, r *http.Request) {
	var attrs deviceAttributes
	id, err := decodeAttributes(r, &attrs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	mac := attrs.MAC
	if mac == "" {
		mac = id
	}
	if protocol.NormalizeMAC(mac) == "" {
		writeErrorSource(w, http.StatusBadRequest, "invalid mac address", mac,
			map[string]string{"pointer": "/data/attributes/mac"})
		return
	}
	if _, ok := s.engine.Devices.Get(mac); !ok {
		writeError(w, http.StatusNotFound, "device not found",
			"device must be discovered before it can be configured")
		return
	}

	interval := attrs.PollingInterval
	if interval == 0 {
		interval = registry.DefaultPollingInterval
	}
	friendly := ""
	if attrs.FriendlyName != nil {
		friendly = *attrs.FriendlyName
	}
	vehicleID := ""
	if attrs.VehicleID != nil {
		vehicleID = *attrs.VehicleID
	}
	if !s.vehicleExists(vehicleID) {
		writeErrorSource(w, http.StatusBadRequest, "unknown vehicle", vehicleID,
			map[string]string{"pointer": "/data/attributes/vehicle_id"})
		return
	}

	if err := s.engine.Devices.Configure(mac, attrs.Family, friendly, vehicleID, interval); err != nil {
		switch {
		case errors.Is(err, registry.ErrDeviceNotFound):
			writeError(w, http.StatusNotFound, "device not found", mac)
		case errors.Is(err, registry.ErrUnknownFamily):
			writeErrorSource(w, http.StatusBadRequest, "unknown device family", attrs.Family,
				map[string]string{"pointer": "/data/attributes/family"})
		case errors.Is(err, registry.ErrInvalidPollingInterval):
			writeErrorSource(w, http.StatusBadRequest, "invalid polling interval", err.Error(),
				map[string]string{"pointer": "/data/attributes/polling_interval"})
		default:
			writeError(w, http.StatusInternalServerError, "configuration failed", err.Error())
		}
		return
	}

	rec, _ := s.engine.Devices.Get(mac)
	writeResource(w, http.StatusOK, deviceResource(rec))
}

// patchDevice partially updates a device. A body id disagreeing with the
// path MAC is a 409.
func (s *Server) patchDevice(w http.ResponseWriter, r *http.Request) {
	mac := chi.URLParam(r, "mac")
	rec, ok := s.engine.Devices.Get(mac)
	if !ok {
		writeError(w, http.StatusNotFound, "device not found", mac)
		return
	}

	var attrs deviceAttributes
	id, err := decodeAttributes(r, &attrs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if id != "" && protocol.NormalizeMAC(id) != rec.MAC {
		writeError(w, http.StatusConflict, "resource id mismatch",
			"body id does not match the path mac")
		return
	}
	if attrs.VehicleID != nil && !s.vehicleExists(*attrs.VehicleID) {
		writeErrorSource(w, http.StatusBadRequest, "unknown vehicle", *attrs.VehicleID,
			map[string]string{"pointer": "/data/attributes/vehicle_id"})
		return
	}

	if attrs.Family != "" || attrs.PollingInterval != 0 {
		family := rec.Family
		if attrs.Family != "" {
			family = attrs.Family
		}
		interval := rec.PollingInterval
		if attrs.PollingInterval != 0 {
			interval = attrs.PollingInterval
		}
		friendly := rec.FriendlyName
		if attrs.FriendlyName != nil {
			friendly = *attrs.FriendlyName
		}
		vehicleID := rec.VehicleID
		if attrs.VehicleID != nil {
			vehicleID = *attrs.VehicleID
		}
		if err := s.engine.Devices.Configure(rec.MAC, family, friendly, vehicleID, interval); err != nil {
			switch {
			case errors.Is(err, registry.ErrUnknownFamily), errors.Is(err, registry.ErrInvalidPollingInterval):
				writeError(w, http.StatusBadRequest, "invalid device attributes", err.Error())
			default:
				writeError(w, http.StatusInternalServerError, "update failed", err.Error())
			}
			return
		}
	} else {
		if attrs.FriendlyName != nil || attrs.VehicleID != nil {
			friendly := rec.FriendlyName
			if attrs.FriendlyName != nil {
				friendly = *attrs.FriendlyName
			}
			vehicleID := rec.VehicleID
			if attrs.VehicleID != nil {
				vehicleID = *attrs.VehicleID
			}
			if rec.Status == registry.StatusConfigured {
				if err := s.engine.Devices.Configure(rec.MAC, rec.Family, friendly, vehicleID, rec.PollingInterval); err != nil {
					writeError(w, http.StatusInternalServerError, "update failed", err.Error())
					return
				}
			} else if attrs.VehicleID != nil {
				if err := s.engine.Devices.SetVehicle(rec.MAC, vehicleID); err != nil {
					writeError(w, http.StatusInternalServerError, "update failed", err.Error())
					return
				}
			}
		}
	}

	if attrs.VehicleID != nil {
		if err := s.engine.State.SetVehicleAssociation(rec.MAC, *attrs.VehicleID); err != nil {
			s.log.WithError(err).WithField("mac", rec.MAC).Debug("state vehicle association skipped")
		}
	}
	updated, _ := s.engine.Devices.Get(rec.MAC)
	writeResource(w, http.StatusOK, deviceResource(updated))
}

// vehicleExists reports whether vehicleID names a registered vehicle. An
// empty id clears the association and is always valid.
func (s *Server) vehicleExists(vehicleID string) bool {
	if vehicleID == "" {
		return true
	}
	_, ok := s.engine.Vehicles.Get(vehicleID)
	return ok
}

// deleteDevice removes the device and unregisters its runtime state.
func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	mac := chi.URLParam(r, "mac")
	if err := s.engine.Devices.Remove(mac); err != nil {
		writeError(w, http.StatusNotFound, "device not found", mac)
		return
	}
	s.engine.State.Unregister(mac)
	w.WriteHeader(http.StatusNoContent)
}
