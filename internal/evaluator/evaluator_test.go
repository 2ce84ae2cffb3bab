package evaluator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/state"
)

func floatPtr(v float64) *float64 { return &v }

func tempRule(level string, max float64, cooldownSec int) models.AlarmRule {
	return models.AlarmRule{
		Level:       level,
		Metric:      models.MetricTemperature,
		Comparison:  models.CompareMax,
		Max:         floatPtr(max),
		CooldownSec: cooldownSec,
	}
}

func tempReading(deviceID string, temp float64, at time.Time) *models.Reading {
	return &models.Reading{
		DeviceID:    deviceID,
		Kind:        models.ReadingKindData,
		Timestamp:   at,
		ReceivedAt:  at,
		Temperature: &temp,
	}
}

// 场景：CRITICAL 温度规则 max=42 冷却60s
// t=0 40°C → 无事件；t=10 43°C → raised；t=30 44°C → 无事件（已激活）；
// t=70 41°C → cleared。全程恰好两个事件。
func TestEvaluate_RaiseOnceClearOnce(t *testing.T) {
	store := state.NewStore()
	engine := NewEngine([]models.AlarmRule{tempRule(models.LevelCritical, 42, 60)}, store, zap.NewNop())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	at := func(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

	evaluate := func(temp float64, sec int) []models.AlarmEvent {
		r := tempReading("blanket-001", temp, at(sec))
		late := store.Update("blanket-001", r)
		return engine.Evaluate(r, late, at(sec))
	}

	assert.Empty(t, evaluate(40, 0))

	events := evaluate(43, 10)
	require.Len(t, events, 1)
	assert.Equal(t, models.TransitionRaised, events[0].Transition)
	assert.Equal(t, models.LevelCritical, events[0].Level)
	assert.Equal(t, models.MetricTemperature, events[0].Metric)
	assert.Equal(t, 43.0, events[0].ObservedValue)
	assert.Equal(t, 42.0, events[0].Threshold)

	// 持续违规不重复 raise
	assert.Empty(t, evaluate(44, 30))

	events = evaluate(41, 70)
	require.Len(t, events, 1)
	assert.Equal(t, models.TransitionCleared, events[0].Transition)
	assert.Equal(t, 41.0, events[0].ObservedValue)
}

func TestEvaluate_CooldownSuppressesReRaise(t *testing.T) {
	store := state.NewStore()
	engine := NewEngine([]models.AlarmRule{tempRule(models.LevelCritical, 42, 60)}, store, zap.NewNop())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	evaluate := func(temp float64, sec int) []models.AlarmEvent {
		at := base.Add(time.Duration(sec) * time.Second)
		r := tempReading("blanket-001", temp, at)
		late := store.Update("blanket-001", r)
		return engine.Evaluate(r, late, at)
	}

	require.Len(t, evaluate(43, 0), 1)  // raised
	require.Len(t, evaluate(41, 10), 1) // cleared

	// 冷却期内再次越界：抑制，只计数不发事件
	assert.Empty(t, evaluate(43, 20))
	assert.Empty(t, evaluate(44, 30))
	assert.Equal(t, int64(2), store.Alarm("blanket-001", "temperature:CRITICAL").Suppressed)

	// 冷却期满后允许重新 raise
	events := evaluate(43, 61)
	require.Len(t, events, 1)
	assert.Equal(t, models.TransitionRaised, events[0].Transition)
}

func TestEvaluate_LevelsIndependent(t *testing.T) {
	store := state.NewStore()
	rules := []models.AlarmRule{
		tempRule(models.LevelWarning, 38, 60),
		tempRule(models.LevelCritical, 42, 60),
	}
	engine := NewEngine(rules, store, zap.NewNop())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	evaluate := func(temp float64, sec int) []models.AlarmEvent {
		at := base.Add(time.Duration(sec) * time.Second)
		r := tempReading("blanket-001", temp, at)
		late := store.Update("blanket-001", r)
		return engine.Evaluate(r, late, at)
	}

	// 39°C 只触发 WARNING
	events := evaluate(39, 0)
	require.Len(t, events, 1)
	assert.Equal(t, models.LevelWarning, events[0].Level)

	// 升到 43°C：WARNING 已激活，仅新增 CRITICAL raised
	events = evaluate(43, 10)
	require.Len(t, events, 1)
	assert.Equal(t, models.LevelCritical, events[0].Level)
	assert.Equal(t, models.TransitionRaised, events[0].Transition)

	// 回落到 40°C：CRITICAL cleared，WARNING 仍激活
	events = evaluate(40, 20)
	require.Len(t, events, 1)
	assert.Equal(t, models.LevelCritical, events[0].Level)
	assert.Equal(t, models.TransitionCleared, events[0].Transition)
	assert.True(t, store.Alarm("blanket-001", "temperature:WARNING").Active)

	// 回落到 36°C：WARNING cleared
	events = evaluate(36, 30)
	require.Len(t, events, 1)
	assert.Equal(t, models.LevelWarning, events[0].Level)
	assert.Equal(t, models.TransitionCleared, events[0].Transition)
}

func TestEvaluate_MissingMetricSkipsRule(t *testing.T) {
	store := state.NewStore()
	rules := []models.AlarmRule{
		tempRule(models.LevelCritical, 42, 60),
		{
			Level:       models.LevelWarning,
			Metric:      models.MetricHumidity,
			Comparison:  models.CompareMax,
			Max:         floatPtr(80),
			CooldownSec: 60,
		},
	}
	engine := NewEngine(rules, store, zap.NewNop())

	now := time.Now()
	r := tempReading("blanket-001", 43, now) // 无湿度字段
	store.Update("blanket-001", r)

	events := engine.Evaluate(r, false, now)
	require.Len(t, events, 1)
	assert.Equal(t, models.MetricTemperature, events[0].Metric)
}

func TestEvaluate_ConnectionLostRule(t *testing.T) {
	store := state.NewStore()
	rules := []models.AlarmRule{
		{
			Level:       models.LevelWarning,
			Metric:      models.MetricConnected,
			Comparison:  models.CompareMin,
			Min:         floatPtr(1),
			CooldownSec: 300,
		},
	}
	engine := NewEngine(rules, store, zap.NewNop())

	now := time.Now()
	connected := 0
	r := &models.Reading{
		DeviceID:    "blanket-001",
		Kind:        models.ReadingKindStatus,
		Timestamp:   now,
		ReceivedAt:  now,
		IsConnected: &connected,
	}
	store.Update("blanket-001", r)

	events := engine.Evaluate(r, false, now)
	require.Len(t, events, 1)
	assert.Equal(t, models.TransitionRaised, events[0].Transition)
	assert.Equal(t, models.MetricConnected, events[0].Metric)

	// 恢复连接后解除
	restored := 1
	r2 := &models.Reading{
		DeviceID:    "blanket-001",
		Kind:        models.ReadingKindStatus,
		Timestamp:   now.Add(time.Second),
		ReceivedAt:  now.Add(time.Second),
		IsConnected: &restored,
	}
	store.Update("blanket-001", r2)
	events = engine.Evaluate(r2, false, now.Add(time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, models.TransitionCleared, events[0].Transition)
}

func TestEvaluate_DeviceReportedAlarm(t *testing.T) {
	store := state.NewStore()
	rules := []models.AlarmRule{
		{
			Level:       models.LevelCritical,
			Metric:      models.MetricIsAlarm,
			Comparison:  models.CompareMax,
			Max:         floatPtr(0),
			CooldownSec: 60,
		},
	}
	engine := NewEngine(rules, store, zap.NewNop())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	evaluate := func(flag int, sec int) []models.AlarmEvent {
		at := base.Add(time.Duration(sec) * time.Second)
		r := &models.Reading{
			DeviceID:   "blanket-001",
			Kind:       models.ReadingKindData,
			Timestamp:  at,
			ReceivedAt: at,
			IsAlarm:    &flag,
		}
		late := store.Update("blanket-001", r)
		return engine.Evaluate(r, late, at)
	}

	// 设备自报 is_alarm=1 触发 CRITICAL
	events := evaluate(1, 0)
	require.Len(t, events, 1)
	assert.Equal(t, models.TransitionRaised, events[0].Transition)
	assert.Equal(t, models.MetricIsAlarm, events[0].Metric)
	assert.Equal(t, models.LevelCritical, events[0].Level)
	assert.Equal(t, 1.0, events[0].ObservedValue)

	// 标志撤回后解除
	events = evaluate(0, 10)
	require.Len(t, events, 1)
	assert.Equal(t, models.TransitionCleared, events[0].Transition)

	// 冷却期内再次自报：抑制
	assert.Empty(t, evaluate(1, 20))
	assert.Equal(t, int64(1), store.Alarm("blanket-001", "is_alarm:CRITICAL").Suppressed)
}

func TestEvaluate_LateReadingMarkedInTrigger(t *testing.T) {
	store := state.NewStore()
	engine := NewEngine([]models.AlarmRule{tempRule(models.LevelCritical, 42, 60)}, store, zap.NewNop())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.Update("blanket-001", tempReading("blanket-001", 36, base))

	// 设备时间戳回退的读数照常评估，事件快照标记 late
	lateReading := tempReading("blanket-001", 43, base.Add(-time.Minute))
	lateReading.ReceivedAt = base.Add(time.Second)
	late := store.Update("blanket-001", lateReading)
	require.True(t, late)

	events := engine.Evaluate(lateReading, late, base.Add(time.Second))
	require.Len(t, events, 1)

	var snapshot models.TriggerSnapshot
	require.NoError(t, json.Unmarshal([]byte(events[0].TriggerData), &snapshot))
	assert.True(t, snapshot.Late)
}

func TestEvaluate_EventFieldsPopulated(t *testing.T) {
	store := state.NewStore()
	engine := NewEngine([]models.AlarmRule{tempRule(models.LevelCritical, 42, 60)}, store, zap.NewNop())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := tempReading("blanket-001", 43, now)
	store.Update("blanket-001", r)

	events := engine.Evaluate(r, false, now)
	require.Len(t, events, 1)

	ev := events[0]
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, "blanket-001", ev.DeviceID)
	assert.Equal(t, now, ev.Timestamp)
	assert.NotEmpty(t, ev.TriggerData)
}
