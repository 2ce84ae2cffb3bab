package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"
)

// 解码错误分类：均为单条消息级错误，调用方记录日志并丢弃消息，
// 不中断后续消息处理
var (
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrUnknownTopicShape = errors.New("unknown topic shape")
	ErrOutOfRange        = errors.New("metric value out of range")
)

// 物理量合法范围（超出视为不可能的读数）
const (
	minTemperature = -40.0
	maxTemperature = 120.0
	minHumidity    = 0.0
	maxHumidity    = 100.0
)

const topicPrefix = "sleep_blanket"

// ExtractDeviceID 从主题提取设备ID和消息类型
// 支持的主题形状：sleep_blanket/{device_id}/data、sleep_blanket/{device_id}/status
func ExtractDeviceID(topic string) (string, models.ReadingKind, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != topicPrefix || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTopicShape, topic)
	}
	switch parts[2] {
	case "data":
		return parts[1], models.ReadingKindData, nil
	case "status":
		return parts[1], models.ReadingKindStatus, nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnknownTopicShape, topic)
}

// jsonPayload 设备 JSON 上报格式
type jsonPayload struct {
	Timestamp      *int64   `json:"timestamp"`
	Temperature    *float64 `json:"temperature"`
	Humidity       *float64 `json:"humidity"`
	RawValue       *int     `json:"raw_value"`
	RMSValue       *float64 `json:"rms_value"`
	ThresholdValue *float64 `json:"threshold_value"`
	State          *int     `json:"state"`
	MovementCount  *int     `json:"movement_count"`
	IsConnected    *int     `json:"is_connected"`
	IsAlarm        *int     `json:"is_alarm"`
}

// Decode 解析原始消息为读数
// 无副作用；payload 支持 JSON 文档和旧版固件 KV 行两种格式
// （如 "RAW:1024, RMS:23.45, TH:25.0, STATE:1, MOVE:15, CONNECTED:1, ALARM:0"）
func Decode(topic string, payload []byte, receivedAt time.Time) (*models.Reading, error) {
	deviceID, kind, err := ExtractDeviceID(topic)
	if err != nil {
		return nil, err
	}

	reading := &models.Reading{
		DeviceID:   deviceID,
		Kind:       kind,
		ReceivedAt: receivedAt,
	}

	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}

	if strings.HasPrefix(trimmed, "{") {
		if err := decodeJSON(trimmed, reading); err != nil {
			return nil, err
		}
	} else {
		if err := decodeKeyValue(trimmed, reading); err != nil {
			return nil, err
		}
	}

	// payload 未带时间戳时使用接收时间
	if reading.Timestamp.IsZero() {
		reading.Timestamp = receivedAt
	}

	if err := checkRanges(reading); err != nil {
		return nil, err
	}

	return reading, nil
}

func decodeJSON(payload string, reading *models.Reading) error {
	var p jsonPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if p.Timestamp != nil {
		reading.Timestamp = time.Unix(*p.Timestamp, 0).UTC()
	}
	reading.Temperature = p.Temperature
	reading.Humidity = p.Humidity
	reading.RawValue = p.RawValue
	reading.RMSValue = p.RMSValue
	reading.ThresholdValue = p.ThresholdValue
	reading.State = p.State
	reading.MovementCount = p.MovementCount
	reading.IsConnected = p.IsConnected
	reading.IsAlarm = p.IsAlarm
	return nil
}

// decodeKeyValue 解析旧版固件格式，字段以 ", " 分隔，值为 "N/A" 时视为缺失
func decodeKeyValue(payload string, reading *models.Reading) error {
	recognized := 0
	for _, part := range strings.Split(payload, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, ":")
		if !found {
			return fmt.Errorf("%w: field %q has no value", ErrMalformedPayload, part)
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "N/A" {
			recognized++
			continue
		}

		switch key {
		case "TS":
			ts, err := parseInt(key, value)
			if err != nil {
				return err
			}
			reading.Timestamp = time.Unix(int64(ts), 0).UTC()
		case "RAW":
			v, err := parseInt(key, value)
			if err != nil {
				return err
			}
			reading.RawValue = &v
		case "RMS":
			v, err := parseFloat(key, value)
			if err != nil {
				return err
			}
			reading.RMSValue = &v
		case "TH":
			v, err := parseFloat(key, value)
			if err != nil {
				return err
			}
			reading.ThresholdValue = &v
		case "TEMP":
			v, err := parseFloat(key, value)
			if err != nil {
				return err
			}
			reading.Temperature = &v
		case "HUM":
			v, err := parseFloat(key, value)
			if err != nil {
				return err
			}
			reading.Humidity = &v
		case "STATE":
			v, err := parseInt(key, value)
			if err != nil {
				return err
			}
			reading.State = &v
		case "MOVE":
			v, err := parseInt(key, value)
			if err != nil {
				return err
			}
			reading.MovementCount = &v
		case "CONNECTED":
			v, err := parseInt(key, value)
			if err != nil {
				return err
			}
			reading.IsConnected = &v
		case "ALARM":
			v, err := parseInt(key, value)
			if err != nil {
				return err
			}
			reading.IsAlarm = &v
		default:
			// 未知字段忽略，固件新增字段不应导致整条消息被丢弃
			continue
		}
		recognized++
	}

	if recognized == 0 {
		return fmt.Errorf("%w: no recognized fields", ErrMalformedPayload)
	}
	return nil
}

func parseInt(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: field %s=%q", ErrMalformedPayload, key, value)
	}
	return v, nil
}

func parseFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: field %s=%q", ErrMalformedPayload, key, value)
	}
	return v, nil
}

func checkRanges(reading *models.Reading) error {
	if reading.Temperature != nil {
		if *reading.Temperature < minTemperature || *reading.Temperature > maxTemperature {
			return fmt.Errorf("%w: temperature %.2f", ErrOutOfRange, *reading.Temperature)
		}
	}
	if reading.Humidity != nil {
		if *reading.Humidity < minHumidity || *reading.Humidity > maxHumidity {
			return fmt.Errorf("%w: humidity %.2f", ErrOutOfRange, *reading.Humidity)
		}
	}
	return nil
}
