package models

import "time"

// 设备遥测指标名称（用于 AlarmRule.Metric 匹配）
const (
	MetricTemperature   = "temperature"
	MetricHumidity      = "humidity"
	MetricRMS           = "rms_value"
	MetricMovementCount = "movement_count"
	MetricConnected     = "is_connected"
	MetricIsAlarm       = "is_alarm"
)

// KnownMetric 判断指标名是否可被读数匹配（规则校验用）
func KnownMetric(metric string) bool {
	switch metric {
	case MetricTemperature, MetricHumidity, MetricRMS,
		MetricMovementCount, MetricConnected, MetricIsAlarm:
		return true
	}
	return false
}

// ReadingKind 读数来源主题类型
type ReadingKind string

const (
	ReadingKindData   ReadingKind = "data"   // sleep_blanket/{device_id}/data
	ReadingKindStatus ReadingKind = "status" // sleep_blanket/{device_id}/status
)

// Reading 一条设备遥测读数（对应 readings 表），创建后不可变
type Reading struct {
	DeviceID   string      `json:"device_id" db:"device_id"`
	Kind       ReadingKind `json:"kind" db:"kind"`
	Timestamp  time.Time   `json:"timestamp" db:"timestamp"`     // 设备上报时间（payload 缺失时 = ReceivedAt）
	ReceivedAt time.Time   `json:"received_at" db:"received_at"` // 接收墙钟时间

	// 指标值（设备可能只上报其中一部分）
	Temperature    *float64 `json:"temperature,omitempty" db:"temperature"`
	Humidity       *float64 `json:"humidity,omitempty" db:"humidity"`
	RawValue       *int     `json:"raw_value,omitempty" db:"raw_value"`
	RMSValue       *float64 `json:"rms_value,omitempty" db:"rms_value"`
	ThresholdValue *float64 `json:"threshold_value,omitempty" db:"threshold_value"`
	State          *int     `json:"state,omitempty" db:"state"`                   // 0=无人 1=有人
	MovementCount  *int     `json:"movement_count,omitempty" db:"movement_count"` // 体动次数
	IsConnected    *int     `json:"is_connected,omitempty" db:"is_connected"`
	IsAlarm        *int     `json:"is_alarm,omitempty" db:"is_alarm"` // 设备侧自报报警标志
}

// MetricValue 按指标名取数值，缺失时 ok=false
func (r *Reading) MetricValue(metric string) (float64, bool) {
	switch metric {
	case MetricTemperature:
		if r.Temperature != nil {
			return *r.Temperature, true
		}
	case MetricHumidity:
		if r.Humidity != nil {
			return *r.Humidity, true
		}
	case MetricRMS:
		if r.RMSValue != nil {
			return *r.RMSValue, true
		}
	case MetricMovementCount:
		if r.MovementCount != nil {
			return float64(*r.MovementCount), true
		}
	case MetricConnected:
		if r.IsConnected != nil {
			return float64(*r.IsConnected), true
		}
	case MetricIsAlarm:
		if r.IsAlarm != nil {
			return float64(*r.IsAlarm), true
		}
	}
	return 0, false
}
