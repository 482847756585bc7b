package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// recentReadings queries the storage backend for a device's recent samples.
func (s *Server) recentReadings(w http.ResponseWriter, r *http.Request) {
	mac := chi.URLParam(r, "mac")
	if _, ok := s.engine.Devices.Get(mac); !ok {
		writeError(w, http.StatusNotFound, "device not found", mac)
		return
	}
	limit, offset, perr := pagination(r)
	if perr != nil {
		writePaginationError(w, perr)
		return
	}

	readings, err := s.engine.Storage.GetRecentReadings(r.Context(), mac, limit+offset)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage query failed", err.Error())
		return
	}
	if offset < len(readings) {
		readings = readings[offset:]
	} else {
		readings = readings[:0]
	}

	resources := make([]Resource, 0, len(readings))
	for i, reading := range readings {
		resources = append(resources, Resource{
			Type:       "readings",
			ID:         reading.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			Attributes: readings[i],
		})
	}
	writeList(w, resources, map[string]interface{}{
		"device_id": mac,
		"limit":     limit,
		"offset":    offset,
	})
}

// latestReading answers from the state manager, not storage, so it works
// during backend outages.
func (s *Server) latestReading(w http.ResponseWriter, r *http.Request) {
	mac := chi.URLParam(r, "mac")
	if _, ok := s.engine.Devices.Get(mac); !ok {
		writeError(w, http.StatusNotFound, "device not found", mac)
		return
	}

	st, ok := s.engine.State.Get(mac)
	if !ok || st.LatestReading == nil {
		writeError(w, http.StatusNotFound, "no reading available", mac)
		return
	}
	writeResource(w, http.StatusOK, Resource{
		Type: "readings",
		ID:   st.LatestReading.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		Attributes: map[string]interface{}{
			"device_id": st.MAC,
			"reading":   st.LatestReading,
			"read_at":   st.LastReadingTime,
		},
	})
}
