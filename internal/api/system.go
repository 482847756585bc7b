package api

import (
	"encoding/json"
	"net/http"

	"github.com/battery-hawk/battery-hawk/internal/config"
)

// Config sections the API may read or update. Everything else in
// system.json is internal.
var allowedSections = map[string]bool{
	"logging":   true,
	"bluetooth": true,
	"discovery": true,
	"influxdb":  true,
	"mqtt":      true,
	"api":       true,
}

// getConfig returns the allowed sections of the system configuration.
// Credentials are redacted.
func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	sys := s.cfg.System()
	sys.InfluxDB.Password = ""
	sys.MQTT.Password = ""

	full, err := json.Marshal(sys)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "config serialization failed", err.Error())
		return
	}
	var tree map[string]json.RawMessage
	if err := json.Unmarshal(full, &tree); err != nil {
		writeError(w, http.StatusInternalServerError, "config serialization failed", err.Error())
		return
	}

	visible := map[string]json.RawMessage{}
	for name := range allowedSections {
		if raw, ok := tree[name]; ok {
			visible[name] = raw
		}
	}
	writeResource(w, http.StatusOK, Resource{Type: "system-config", ID: "system", Attributes: visible})
}

// patchConfig merge-updates allowed sections. Unknown sections are a 400
// with a pointer to the offending key.
func (s *Server) patchConfig(w http.ResponseWriter, r *http.Request) {
	var updates map[string]json.RawMessage
	if _, err := decodeAttributes(r, &updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	for name := range updates {
		if !allowedSections[name] {
			writeErrorSource(w, http.StatusBadRequest, "unknown configuration section", name,
				map[string]string{"pointer": "/data/attributes/" + name})
			return
		}
	}

	err := s.cfg.UpdateSystem(func(sys *config.SystemConfig) {
		full, merr := json.Marshal(sys)
		if merr != nil {
			return
		}
		var tree map[string]json.RawMessage
		if json.Unmarshal(full, &tree) != nil {
			return
		}
		for name, raw := range updates {
			tree[name] = mergeSection(tree[name], raw)
		}
		merged, merr := json.Marshal(tree)
		if merr != nil {
			return
		}
		json.Unmarshal(merged, sys)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "config update failed", err.Error())
		return
	}

	s.getConfig(w, r)
}

// mergeSection overlays patch keys onto the current section object.
func mergeSection(current, patch json.RawMessage) json.RawMessage {
	var base, overlay map[string]json.RawMessage
	if json.Unmarshal(current, &base) != nil || json.Unmarshal(patch, &overlay) != nil {
		return patch
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return patch
	}
	return merged
}

func (s *Server) systemStatus(w http.ResponseWriter, r *http.Request) {
	writeResource(w, http.StatusOK, Resource{
		Type:       "system-status",
		ID:         "system",
		Attributes: s.engine.Status(),
	})
}

// systemHealth returns 503 when the engine or storage is unhealthy so load
// balancers and container runtimes can act on it.
func (s *Server) systemHealth(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status()
	healthy := s.engine.Healthy()

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeResource(w, code, Resource{
		Type: "system-health",
		ID:   "system",
		Attributes: map[string]interface{}{
			"healthy": healthy,
			"storage": status.Storage,
			"uptime":  status.UptimeSeconds,
		},
	})
}
