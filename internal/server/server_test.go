package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedwright/feedwright/internal/transform"
)

const testCatalogYAML = `
- kind: indicator
  applies: ioc_type
  type:
    path: ioc_type
    transform:
      static_map:
        ipv4: Address
        domain: Host
  value1:
    path: ioc_value
  confidence:
    path: confidence
- kind: group
  applies: adversary_name
  type:
    default: Adversary
  xid:
    path: id
  name:
    path: adversary_name
`

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	catalog, err := transform.ParseCatalog([]byte(testCatalogYAML))
	require.NoError(t, err)

	pipeline := transform.NewPipeline(catalog, nil, transform.Options{}, nil)
	handler := NewHandler(pipeline, nil, slog.Default())

	router := mux.NewRouter()
	handler.RegisterHealthRoutes(router)
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(RequestID)
	handler.RegisterRoutes(api)
	return router
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestTransformRecord(t *testing.T) {
	router := newTestRouter(t)

	t.Run("indicator record", func(t *testing.T) {
		rec := doJSON(t, router, "POST", "/api/v1/transform", map[string]any{
			"ioc_type": "ipv4", "ioc_value": "1.2.3.4", "confidence": 80,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		assert.Equal(t, "indicator", body["kind"])
		entity := body["entity"].(map[string]any)
		assert.Equal(t, "Address", entity["type"])
		assert.Equal(t, "1.2.3.4", entity["summary"])
	})

	t.Run("no valid transform", func(t *testing.T) {
		rec := doJSON(t, router, "POST", "/api/v1/transform", map[string]any{"unrelated": true})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "NO_VALID_TRANSFORM", body["code"])
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/transform", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestTransformBatch(t *testing.T) {
	router := newTestRouter(t)
	records := map[string]any{
		"records": []map[string]any{
			{"ioc_type": "ipv4", "ioc_value": "1.2.3.4"},
			{"adversary_name": "APT Example", "id": "xid-1"},
			{"unrelated": true},
		},
	}

	t.Run("batch format", func(t *testing.T) {
		rec := doJSON(t, router, "POST", "/api/v1/transform/batch", records)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		assert.Len(t, body["indicator"], 1)
		assert.Len(t, body["group"], 1)
	})

	t.Run("v3 format", func(t *testing.T) {
		rec := doJSON(t, router, "POST", "/api/v1/transform/batch?format=v3", records)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		assert.Contains(t, body, "Address")
		assert.Contains(t, body, "Adversary")
	})

	t.Run("unknown format", func(t *testing.T) {
		rec := doJSON(t, router, "POST", "/api/v1/transform/batch?format=xml", records)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("empty records", func(t *testing.T) {
		rec := doJSON(t, router, "POST", "/api/v1/transform/batch",
			map[string]any{"records": []map[string]any{}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestTransformSTIX(t *testing.T) {
	router := newTestRouter(t)

	bundle := `{
	  "type": "bundle",
	  "id": "bundle--1",
	  "objects": [
	    {
	      "type": "indicator",
	      "id": "indicator--1",
	      "created": "2024-05-01T12:00:00Z",
	      "modified": "2024-05-01T12:00:00Z",
	      "confidence": 70,
	      "pattern": "[ipv4-addr:value = '9.9.9.9']",
	      "pattern_type": "stix",
	      "valid_from": "2024-05-01T12:00:00Z"
	    }
	  ]
	}`

	req := httptest.NewRequest("POST", "/api/v1/transform/stix", bytes.NewBufferString(bundle))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	indicators := body["indicator"].([]any)
	require.Len(t, indicators, 1)
	entity := indicators[0].(map[string]any)
	assert.Equal(t, "Address", entity["type"])
	assert.Equal(t, "9.9.9.9", entity["summary"])

	t.Run("invalid bundle", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/transform/stix", bytes.NewBufferString(`{"type":"x"}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCatalogEndpoints(t *testing.T) {
	router := newTestRouter(t)

	t.Run("get catalog", func(t *testing.T) {
		rec := doJSON(t, router, "GET", "/api/v1/catalog", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		specs := body["specs"].([]any)
		assert.Len(t, specs, 2)
	})

	t.Run("put replaces catalog", func(t *testing.T) {
		newCatalog := "- kind: indicator\n  type:\n    default: EmailAddress\n  value1:\n    path: email\n"
		req := httptest.NewRequest("PUT", "/api/v1/catalog", bytes.NewBufferString(newCatalog))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		// the new catalog is live
		out := doJSON(t, router, "POST", "/api/v1/transform", map[string]any{"email": "a@example.com"})
		require.Equal(t, http.StatusOK, out.Code)
		entity := decodeBody(t, out)["entity"].(map[string]any)
		assert.Equal(t, "EmailAddress", entity["type"])
	})

	t.Run("put rejects invalid catalog", func(t *testing.T) {
		bad := "- kind: indicator\n  type:\n    default: Address\n"
		req := httptest.NewRequest("PUT", "/api/v1/catalog", bytes.NewBufferString(bad))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("reload without manager", func(t *testing.T) {
		rec := doJSON(t, router, "POST", "/api/v1/catalog/reload", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHealthAndStats(t *testing.T) {
	router := newTestRouter(t)

	assert.Equal(t, http.StatusOK, doJSON(t, router, "GET", "/health", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, router, "GET", "/ready", nil).Code)

	rec := doJSON(t, router, "GET", "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "pipeline")
}

func TestRequestIDMiddleware(t *testing.T) {
	router := newTestRouter(t)

	t.Run("generates an id when the client sends none", func(t *testing.T) {
		rec := doJSON(t, router, "GET", "/api/v1/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("echoes a client-supplied id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/stats", nil)
		req.Header.Set("X-Request-ID", "req-42")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	})
}
