package models

import "time"

// 报警事件迁移方向
const (
	TransitionRaised  = "raised"
	TransitionCleared = "cleared"
)

// AlarmEvent 报警事件（对应 alarm_events 表），追加写入，创建后不可变
type AlarmEvent struct {
	EventID       string    `json:"event_id" db:"event_id"`
	DeviceID      string    `json:"device_id" db:"device_id"`
	Level         string    `json:"level" db:"level"`
	Metric        string    `json:"metric" db:"metric"`
	Transition    string    `json:"transition" db:"transition"` // raised | cleared
	ObservedValue float64   `json:"observed_value" db:"observed_value"`
	Threshold     float64   `json:"threshold" db:"threshold"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`       // 接收墙钟时间
	TriggerData   string    `json:"trigger_data" db:"trigger_data"` // 触发时读数快照（JSONB）
}

// TriggerSnapshot 触发数据快照结构（序列化进 TriggerData）
type TriggerSnapshot struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	Humidity      *float64 `json:"humidity,omitempty"`
	RMSValue      *float64 `json:"rms_value,omitempty"`
	MovementCount *int     `json:"movement_count,omitempty"`
	State         *int     `json:"state,omitempty"`
	IsConnected   *int     `json:"is_connected,omitempty"`
	Late          bool     `json:"late,omitempty"` // 读数时间戳早于设备最近一次读数
	DeviceTime    int64    `json:"device_time"`    // 设备上报时间（Unix秒）
}
