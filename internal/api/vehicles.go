package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/battery-hawk/battery-hawk/internal/registry"
)

func vehicleResource(rec registry.VehicleRecord) Resource {
	return Resource{Type: "vehicles", ID: rec.ID, Attributes: rec}
}

func (s *Server) listVehicles(w http.ResponseWriter, r *http.Request) {
	limit, offset, perr := pagination(r)
	if perr != nil {
		writePaginationError(w, perr)
		return
	}

	all := s.engine.Vehicles.List()
	total := len(all)

	var page []registry.VehicleRecord
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		page = all[offset:end]
	}

	resources := make([]Resource, 0, len(page))
	for _, rec := range page {
		resources = append(resources, vehicleResource(rec))
	}
	writeList(w, resources, map[string]interface{}{
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) getVehicle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.engine.Vehicles.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "vehicle not found", id)
		return
	}
	writeResource(w, http.StatusOK, vehicleResource(rec))
}

type vehicleAttributes struct {
	Name string `json:"name,omitempty"`
}

func (s *Server) createVehicle(w http.ResponseWriter, r *http.Request) {
	var attrs vehicleAttributes
	id, err := decodeAttributes(r, &attrs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	created, err := s.engine.Vehicles.Create(attrs.Name, id)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrInvalidVehicleID):
			writeErrorSource(w, http.StatusBadRequest, "invalid vehicle id", err.Error(),
				map[string]string{"pointer": "/data/id"})
		case errors.Is(err, registry.ErrVehicleExists):
			writeError(w, http.StatusConflict, "vehicle already exists", id)
		default:
			writeError(w, http.StatusInternalServerError, "vehicle creation failed", err.Error())
		}
		return
	}

	rec, _ := s.engine.Vehicles.Get(created)
	writeResource(w, http.StatusOK, vehicleResource(rec))
}

func (s *Server) patchVehicle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.engine.Vehicles.Get(id); !ok {
		writeError(w, http.StatusNotFound, "vehicle not found", id)
		return
	}

	var attrs vehicleAttributes
	bodyID, err := decodeAttributes(r, &attrs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if bodyID != "" && bodyID != id {
		writeError(w, http.StatusConflict, "resource id mismatch",
			"body id does not match the path id")
		return
	}

	if attrs.Name != "" {
		if err := s.engine.Vehicles.Rename(id, attrs.Name); err != nil {
			writeError(w, http.StatusInternalServerError, "rename failed", err.Error())
			return
		}
	}
	rec, _ := s.engine.Vehicles.Get(id)
	writeResource(w, http.StatusOK, vehicleResource(rec))
}

// deleteVehicle refuses with 409 while devices still reference the vehicle,
// listing the offending MACs.
func (s *Server) deleteVehicle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.engine.Vehicles.Get(id); !ok {
		writeError(w, http.StatusNotFound, "vehicle not found", id)
		return
	}

	attached := s.engine.Devices.ListByVehicle(id)
	if len(attached) > 0 {
		macs := make([]string, 0, len(attached))
		for _, rec := range attached {
			macs = append(macs, rec.MAC)
		}
		writeError(w, http.StatusConflict, "vehicle has associated devices",
			fmt.Sprintf("disassociate devices first: %s", strings.Join(macs, ", ")))
		return
	}

	if err := s.engine.Vehicles.Delete(id); err != nil {
		writeError(w, http.StatusInternalServerError, "vehicle deletion failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
