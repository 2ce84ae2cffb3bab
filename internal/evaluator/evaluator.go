package evaluator

import (
	"time"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/state"

	"go.uber.org/zap"
)

// Engine 报警评估引擎
// 规则集启动后只读；每个设备的评估由 dispatcher 保证串行，
// 引擎本身不持有可变状态（设备报警状态全部在 state.Store）
type Engine struct {
	rules  []models.AlarmRule
	store  *state.Store
	logger *zap.Logger
}

// NewEngine 创建评估引擎
func NewEngine(rules []models.AlarmRule, store *state.Store, logger *zap.Logger) *Engine {
	return &Engine{
		rules:  rules,
		store:  store,
		logger: logger,
	}
}

// Evaluate 对一条读数评估全部规则，返回产生的报警事件（可能为空）
//
// now 为接收墙钟时间：冷却计时一律以接收时间为基准，
// 避免一批延迟到达的消息用旧设备时间戳绕过冷却
//
// 各级别独立评估：温度 WARNING 与 CRITICAL 可以同时激活，
// 高级别解除不会自动解除低级别
func (e *Engine) Evaluate(reading *models.Reading, late bool, now time.Time) []models.AlarmEvent {
	var events []models.AlarmEvent

	for i := range e.rules {
		rule := &e.rules[i]

		value, ok := reading.MetricValue(rule.Metric)
		if !ok {
			// 读数缺少该规则的指标：跳过规则，不是错误
			continue
		}

		key := rule.Key()
		alarm := e.store.Alarm(reading.DeviceID, key)

		if rule.Violated(value) {
			if alarm.Active {
				// 已激活级别的重复violated读数不产生重复 raise
				continue
			}

			cooldown := time.Duration(rule.CooldownSec) * time.Second
			if !alarm.LastAlarmAt.IsZero() && now.Sub(alarm.LastAlarmAt) < cooldown {
				// 冷却期内抑制，但累计违规次数供观测
				suppressed := e.store.AddSuppressed(reading.DeviceID, key)
				e.logger.Info("Alarm suppressed by cooldown",
					zap.String("device_id", reading.DeviceID),
					zap.String("metric", rule.Metric),
					zap.String("level", rule.Level),
					zap.Float64("observed_value", value),
					zap.Int64("suppressed_count", suppressed),
				)
				continue
			}

			e.store.MarkRaised(reading.DeviceID, key, now)
			ev := buildEvent(reading, rule, models.TransitionRaised, value, late, now)
			events = append(events, ev)

			e.logger.Warn("Alarm raised",
				zap.String("device_id", reading.DeviceID),
				zap.String("metric", rule.Metric),
				zap.String("level", rule.Level),
				zap.Float64("observed_value", value),
				zap.Float64("threshold", ev.Threshold),
				zap.Bool("late_reading", late),
			)
			continue
		}

		if alarm.Active {
			e.store.MarkCleared(reading.DeviceID, key)
			ev := buildEvent(reading, rule, models.TransitionCleared, value, late, now)
			events = append(events, ev)

			e.logger.Info("Alarm cleared",
				zap.String("device_id", reading.DeviceID),
				zap.String("metric", rule.Metric),
				zap.String("level", rule.Level),
				zap.Float64("observed_value", value),
			)
		}
	}

	return events
}
