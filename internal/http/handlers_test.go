package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/service"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/state"
)

type stubStatus struct {
	health  service.Health
	devices []state.DeviceSnapshot
}

func (s *stubStatus) Health() service.Health          { return s.health }
func (s *stubStatus) Devices() []state.DeviceSnapshot { return s.devices }

type stubReadings struct {
	readings []*models.Reading
	err      error

	gotDeviceID string
	gotLimit    int
	gotFrom     time.Time
	gotTo       time.Time
}

func (s *stubReadings) ListByDevice(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]*models.Reading, error) {
	s.gotDeviceID = deviceID
	s.gotFrom = from
	s.gotTo = to
	s.gotLimit = limit
	return s.readings, s.err
}

type stubEvents struct {
	events []*models.AlarmEvent
	err    error
}

func (s *stubEvents) ListByDevice(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]*models.AlarmEvent, error) {
	return s.events, s.err
}

func setupRouter(status *stubStatus, readings *stubReadings, events *stubEvents) *Router {
	h := NewPipelineHandler(status, readings, events, zap.NewNop())
	r := NewRouter(zap.NewNop())
	r.RegisterPipelineRoutes(h)
	return r
}

func TestGetHealth(t *testing.T) {
	status := &stubStatus{
		health: service.Health{
			BrokerConnected: true,
			Devices:         3,
			Processed:       120,
		},
	}
	router := setupRouter(status, &stubReadings{}, &stubEvents{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["broker_connected"])
	assert.Equal(t, float64(3), body["devices"])
}

func TestGetHealth_DegradedStill200(t *testing.T) {
	// 代理断连属于降级而不是故障：健康检查仍返回 200，状态在响应体中
	status := &stubStatus{health: service.Health{BrokerConnected: false}}
	router := setupRouter(status, &stubReadings{}, &stubEvents{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["broker_connected"])
}

func TestGetDevices(t *testing.T) {
	status := &stubStatus{
		devices: []state.DeviceSnapshot{
			{DeviceID: "blanket-001", Connected: true},
			{DeviceID: "blanket-002", Connected: false},
		},
	}
	router := setupRouter(status, &stubReadings{}, &stubEvents{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Devices []state.DeviceSnapshot `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Devices, 2)
	assert.Equal(t, "blanket-001", body.Devices[0].DeviceID)
}

func TestGetDeviceReadings(t *testing.T) {
	temp := 36.5
	readings := &stubReadings{
		readings: []*models.Reading{
			{DeviceID: "blanket-001", Kind: models.ReadingKindData, Temperature: &temp},
		},
	}
	router := setupRouter(&stubStatus{}, readings, &stubEvents{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/devices/blanket-001/readings?from=1748779200&to=1748865600&limit=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "blanket-001", readings.gotDeviceID)
	assert.Equal(t, 10, readings.gotLimit)
	assert.Equal(t, time.Unix(1748779200, 0).UTC(), readings.gotFrom)
	assert.Equal(t, time.Unix(1748865600, 0).UTC(), readings.gotTo)

	var body struct {
		DeviceID string            `json:"device_id"`
		Readings []*models.Reading `json:"readings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "blanket-001", body.DeviceID)
	require.Len(t, body.Readings, 1)
}

func TestGetDeviceReadings_RFC3339Range(t *testing.T) {
	readings := &stubReadings{}
	router := setupRouter(&stubStatus{}, readings, &stubEvents{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/devices/blanket-001/readings?from=2025-06-01T00:00:00Z&to=2025-06-02T00:00:00Z", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), readings.gotFrom.UTC())
	// limit 未指定时使用默认值
	assert.Equal(t, 100, readings.gotLimit)
}

func TestGetDeviceReadings_BadRange(t *testing.T) {
	router := setupRouter(&stubStatus{}, &stubReadings{}, &stubEvents{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/devices/blanket-001/readings?from=not-a-time", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDeviceReadings_QueryFailure(t *testing.T) {
	readings := &stubReadings{err: errors.New("db down")}
	router := setupRouter(&stubStatus{}, readings, &stubEvents{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices/blanket-001/readings", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetDeviceEvents(t *testing.T) {
	events := &stubEvents{
		events: []*models.AlarmEvent{
			{EventID: "ev-1", DeviceID: "blanket-001", Transition: models.TransitionRaised},
		},
	}
	router := setupRouter(&stubStatus{}, &stubReadings{}, events)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices/blanket-001/events", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []*models.AlarmEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "ev-1", body.Events[0].EventID)
}

func TestRoutes_NotFoundAndMethodChecks(t *testing.T) {
	router := setupRouter(&stubStatus{}, &stubReadings{}, &stubEvents{})

	cases := []struct {
		method string
		path   string
		code   int
	}{
		{http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/devices", http.StatusMethodNotAllowed},
		{http.MethodGet, "/devices/blanket-001/unknown", http.StatusNotFound},
		{http.MethodGet, "/devices/blanket-001/readings/extra", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.code, rec.Code, "%s %s", tc.method, tc.path)
	}
}
