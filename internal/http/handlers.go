package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/service"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/state"

	"go.uber.org/zap"
)

// StatusSource 管线状态来源（由 service.PipelineService 实现）
type StatusSource interface {
	Health() service.Health
	Devices() []state.DeviceSnapshot
}

// ReadingsSource 读数查询来源
type ReadingsSource interface {
	ListByDevice(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]*models.Reading, error)
}

// EventsSource 报警事件查询来源
type EventsSource interface {
	ListByDevice(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]*models.AlarmEvent, error)
}

// PipelineHandler 只读查询处理器：存储数据和内存状态的无业务逻辑投影
type PipelineHandler struct {
	status   StatusSource
	readings ReadingsSource
	events   EventsSource
	logger   *zap.Logger
}

// NewPipelineHandler 创建处理器
func NewPipelineHandler(status StatusSource, readings ReadingsSource, events EventsSource, logger *zap.Logger) *PipelineHandler {
	return &PipelineHandler{
		status:   status,
		readings: readings,
		events:   events,
		logger:   logger,
	}
}

// GetHealth 健康检查：代理连接状态、写入延迟、overflow 占用等
// 始终返回 200，降级状态通过响应体区分
func (h *PipelineHandler) GetHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Health())
}

// GetDevices 全部设备的当前状态快照
func (h *PipelineHandler) GetDevices(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": h.status.Devices(),
	})
}

// GetDeviceReadings 按设备查询历史读数
// 查询参数：from/to（Unix秒或RFC3339，默认最近24小时）、limit（默认100）
func (h *PipelineHandler) GetDeviceReadings(w http.ResponseWriter, req *http.Request, deviceID string) {
	from, to, limit, err := parseRangeQuery(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, err := h.readings.ListByDevice(req.Context(), deviceID, from, to, limit)
	if err != nil {
		h.logger.Error("Failed to query readings",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"readings":  readings,
	})
}

// GetDeviceEvents 按设备查询报警事件
func (h *PipelineHandler) GetDeviceEvents(w http.ResponseWriter, req *http.Request, deviceID string) {
	from, to, limit, err := parseRangeQuery(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.events.ListByDevice(req.Context(), deviceID, from, to, limit)
	if err != nil {
		h.logger.Error("Failed to query alarm events",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"events":    events,
	})
}

func parseRangeQuery(req *http.Request) (from, to time.Time, limit int, err error) {
	now := time.Now()
	from = now.Add(-24 * time.Hour)
	to = now
	limit = 100

	q := req.URL.Query()
	if v := q.Get("from"); v != "" {
		if from, err = parseTime(v); err != nil {
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = parseTime(v); err != nil {
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return
		}
	}
	return
}

// parseTime 支持 Unix 秒和 RFC3339 两种格式
func parseTime(value string) (time.Time, error) {
	if unix, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, value)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
