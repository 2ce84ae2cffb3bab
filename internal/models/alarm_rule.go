package models

import "fmt"

// 报警级别（参照 alarm_events.alarm_level 取值）
const (
	LevelWarning  = "WARNING"
	LevelCritical = "CRITICAL"
)

// 阈值比较方式
const (
	CompareMin   = "min"   // 低于 Min 触发
	CompareMax   = "max"   // 高于 Max 触发
	CompareRange = "range" // 落在 [Min, Max] 之外触发
)

// AlarmRule 报警规则（启动时加载，运行期只读）
type AlarmRule struct {
	Level       string   `json:"level"`
	Metric      string   `json:"metric"`
	Comparison  string   `json:"comparison"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	CooldownSec int      `json:"cooldown_seconds"`
}

// Key 规则状态键：同一设备下，每个 (metric, level) 组合独立跟踪
// 激活/冷却状态
func (r *AlarmRule) Key() string {
	return r.Metric + ":" + r.Level
}

// Violated 判断读数值是否违反阈值
func (r *AlarmRule) Violated(value float64) bool {
	switch r.Comparison {
	case CompareMin:
		return r.Min != nil && value < *r.Min
	case CompareMax:
		return r.Max != nil && value > *r.Max
	case CompareRange:
		if r.Min != nil && value < *r.Min {
			return true
		}
		if r.Max != nil && value > *r.Max {
			return true
		}
	}
	return false
}

// CrossedThreshold 返回被越过的阈值（用于 AlarmEvent 记录）
func (r *AlarmRule) CrossedThreshold(value float64) float64 {
	switch r.Comparison {
	case CompareMin:
		if r.Min != nil {
			return *r.Min
		}
	case CompareMax:
		if r.Max != nil {
			return *r.Max
		}
	case CompareRange:
		if r.Min != nil && value < *r.Min {
			return *r.Min
		}
		if r.Max != nil {
			return *r.Max
		}
	}
	return 0
}

// Validate 校验规则配置，规则集非法时服务必须拒绝启动
func (r *AlarmRule) Validate() error {
	if r.Level == "" {
		return fmt.Errorf("alarm rule level is required")
	}
	if r.Metric == "" {
		return fmt.Errorf("alarm rule metric is required")
	}
	// 写错指标名的规则永远匹配不到任何读数，等同于静默漏报
	if !KnownMetric(r.Metric) {
		return fmt.Errorf("alarm rule %s/%s: unknown metric name", r.Metric, r.Level)
	}
	switch r.Comparison {
	case CompareMin:
		if r.Min == nil {
			return fmt.Errorf("alarm rule %s/%s: min comparison requires min value", r.Metric, r.Level)
		}
	case CompareMax:
		if r.Max == nil {
			return fmt.Errorf("alarm rule %s/%s: max comparison requires max value", r.Metric, r.Level)
		}
	case CompareRange:
		if r.Min == nil || r.Max == nil {
			return fmt.Errorf("alarm rule %s/%s: range comparison requires min and max", r.Metric, r.Level)
		}
		if *r.Min > *r.Max {
			return fmt.Errorf("alarm rule %s/%s: min %v greater than max %v", r.Metric, r.Level, *r.Min, *r.Max)
		}
	default:
		return fmt.Errorf("alarm rule %s/%s: unknown comparison %q", r.Metric, r.Level, r.Comparison)
	}
	if r.CooldownSec < 0 {
		return fmt.Errorf("alarm rule %s/%s: negative cooldown", r.Metric, r.Level)
	}
	return nil
}
