package evaluator

import (
	"encoding/json"
	"time"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"

	"github.com/google/uuid"
)

// buildEvent 构建报警事件，附带触发时的读数快照
func buildEvent(reading *models.Reading, rule *models.AlarmRule, transition string, value float64, late bool, now time.Time) models.AlarmEvent {
	snapshot := models.TriggerSnapshot{
		Temperature:   reading.Temperature,
		Humidity:      reading.Humidity,
		RMSValue:      reading.RMSValue,
		MovementCount: reading.MovementCount,
		State:         reading.State,
		IsConnected:   reading.IsConnected,
		Late:          late,
		DeviceTime:    reading.Timestamp.Unix(),
	}

	triggerData, err := json.Marshal(snapshot)
	if err != nil {
		// 快照字段均为基本类型，序列化失败不可达；留空 JSON 保底
		triggerData = []byte("{}")
	}

	return models.AlarmEvent{
		EventID:       uuid.New().String(),
		DeviceID:      reading.DeviceID,
		Level:         rule.Level,
		Metric:        rule.Metric,
		Transition:    transition,
		ObservedValue: value,
		Threshold:     rule.CrossedThreshold(value),
		Timestamp:     now,
		TriggerData:   string(triggerData),
	}
}
