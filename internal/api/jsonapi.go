// Package api serves the REST surface: JSON:API style envelopes over chi.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Resource is one JSON:API resource object.
type Resource struct {
	Type       string      `json:"type"`
	ID         string      `json:"id"`
	Attributes interface{} `json:"attributes"`
}

type document struct {
	Data interface{}            `json:"data"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// apiError is one entry in the error envelope.
type apiError struct {
	ID     string                 `json:"id"`
	Status string                 `json:"status"`
	Code   string                 `json:"code,omitempty"`
	Title  string                 `json:"title"`
	Detail string                 `json:"detail,omitempty"`
	Source map[string]string      `json:"source,omitempty"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
}

type errorDocument struct {
	Errors []apiError `json:"errors"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("response encode failed")
	}
}

func writeResource(w http.ResponseWriter, status int, r Resource) {
	writeJSON(w, status, document{Data: r})
}

func writeList(w http.ResponseWriter, resources []Resource, meta map[string]interface{}) {
	if resources == nil {
		resources = []Resource{}
	}
	writeJSON(w, http.StatusOK, document{Data: resources, Meta: meta})
}

func writeError(w http.ResponseWriter, status int, title, detail string) {
	writeErrorSource(w, status, title, detail, nil)
}

func writeErrorSource(w http.ResponseWriter, status int, title, detail string, source map[string]string) {
	writeJSON(w, status, errorDocument{Errors: []apiError{{
		ID:     uuid.NewString(),
		Status: strconv.Itoa(status),
		Title:  title,
		Detail: detail,
		Source: source,
	}}})
}

// pagination parses limit and offset query parameters. limit must be in
// [1, 1000], offset nonnegative.
func pagination(r *http.Request) (limit, offset int, err *apiError) {
	limit, offset = 100, 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, perr := strconv.Atoi(raw)
		if perr != nil || v < 1 || v > 1000 {
			return 0, 0, &apiError{
				Title:  "invalid pagination",
				Detail: "limit must be an integer in [1, 1000]",
				Source: map[string]string{"parameter": "limit"},
			}
		}
		limit = v
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, perr := strconv.Atoi(raw)
		if perr != nil || v < 0 {
			return 0, 0, &apiError{
				Title:  "invalid pagination",
				Detail: "offset must be a nonnegative integer",
				Source: map[string]string{"parameter": "offset"},
			}
		}
		offset = v
	}
	return limit, offset, nil
}

func writePaginationError(w http.ResponseWriter, e *apiError) {
	e.ID = uuid.NewString()
	e.Status = strconv.Itoa(http.StatusBadRequest)
	writeJSON(w, http.StatusBadRequest, errorDocument{Errors: []apiError{*e}})
}

// decodeAttributes unpacks {data: {attributes: ...}} request bodies into
// attrs, returning the optional resource id.
func decodeAttributes(r *http.Request, attrs interface{}) (string, error) {
	var body struct {
		Data struct {
			Type       string          `json:"type"`
			ID         string          `json:"id"`
			Attributes json.RawMessage `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data.Attributes) > 0 {
		if err := json.Unmarshal(body.Data.Attributes, attrs); err != nil {
			return body.Data.ID, err
		}
	}
	return body.Data.ID, nil
}
