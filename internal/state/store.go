package state

import (
	"sort"
	"sync"
	"time"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"
)

// LevelAlarm 单个 (metric, level) 组合的报警状态
type LevelAlarm struct {
	Active      bool
	LastAlarmAt time.Time // 最近一次 raise 的接收墙钟时间（冷却计时基准）
	Suppressed  int64     // 冷却期内被抑制的违规次数
}

// deviceState 单个设备的运行期状态
// 同一设备的读数被路由到固定 worker，评估之间天然串行；
// Store 的锁只用于保护跨设备的 map 访问和快照读取
type deviceState struct {
	deviceID     string
	lastReading  *models.Reading
	lastSeenAt   time.Time
	maxTimestamp time.Time              // 见过的最大设备时间戳（晚到判定水位线）
	alarms       map[string]*LevelAlarm // key = AlarmRule.Key()
}

// Store 设备状态存储（内存 arena，按 device_id 索引）
type Store struct {
	mu      sync.RWMutex
	devices map[string]*deviceState
}

// NewStore 创建设备状态存储
func NewStore() *Store {
	return &Store{
		devices: make(map[string]*deviceState),
	}
}

func (s *Store) getOrCreateLocked(deviceID string) *deviceState {
	dev, ok := s.devices[deviceID]
	if !ok {
		dev = &deviceState{
			deviceID: deviceID,
			alarms:   make(map[string]*LevelAlarm),
		}
		s.devices[deviceID] = dev
	}
	return dev
}

// Update 无条件更新设备的最近读数和 last_seen
// 返回该读数是否晚到（设备时间戳早于水位线）；水位线只前进不回退，
// 晚到读数不会让后续更早的读数逃过晚到判定。
// 晚到读数仍会被评估，但不作为冷却计时基准
func (s *Store) Update(deviceID string, reading *models.Reading) (late bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev := s.getOrCreateLocked(deviceID)
	if !dev.maxTimestamp.IsZero() && reading.Timestamp.Before(dev.maxTimestamp) {
		late = true
	} else {
		dev.maxTimestamp = reading.Timestamp
	}
	dev.lastReading = reading
	dev.lastSeenAt = reading.ReceivedAt
	return late
}

// Alarm 读取某 (metric, level) 的报警状态副本
func (s *Store) Alarm(deviceID, key string) LevelAlarm {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if dev, ok := s.devices[deviceID]; ok {
		if a, ok := dev.alarms[key]; ok {
			return *a
		}
	}
	return LevelAlarm{}
}

// MarkRaised 标记报警激活，记录冷却计时起点（接收墙钟时间）
func (s *Store) MarkRaised(deviceID, key string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev := s.getOrCreateLocked(deviceID)
	a, ok := dev.alarms[key]
	if !ok {
		a = &LevelAlarm{}
		dev.alarms[key] = a
	}
	a.Active = true
	a.LastAlarmAt = at
	a.Suppressed = 0
}

// MarkCleared 标记报警解除（不重置冷却计时，防止清除后立即重新触发绕过冷却）
func (s *Store) MarkCleared(deviceID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dev, ok := s.devices[deviceID]; ok {
		if a, ok := dev.alarms[key]; ok {
			a.Active = false
		}
	}
}

// AddSuppressed 累计冷却期内被抑制的违规次数，返回累计值
func (s *Store) AddSuppressed(deviceID, key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev := s.getOrCreateLocked(deviceID)
	a, ok := dev.alarms[key]
	if !ok {
		a = &LevelAlarm{}
		dev.alarms[key] = a
	}
	a.Suppressed++
	return a.Suppressed
}

// ActiveAlarm 快照中的活跃报警条目
type ActiveAlarm struct {
	Metric string    `json:"metric"`
	Level  string    `json:"level"`
	Since  time.Time `json:"since"`
}

// DeviceSnapshot 设备状态只读快照（供 /devices 查询和健康检查使用）
type DeviceSnapshot struct {
	DeviceID     string          `json:"device_id"`
	LastSeenAt   time.Time       `json:"last_seen_at"`
	Connected    bool            `json:"connected"`
	LastReading  *models.Reading `json:"last_reading,omitempty"`
	ActiveAlarms []ActiveAlarm   `json:"active_alarms,omitempty"`
}

// Snapshot 生成全部设备的只读快照，按 device_id 排序
func (s *Store) Snapshot() []DeviceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DeviceSnapshot, 0, len(s.devices))
	for _, dev := range s.devices {
		snap := DeviceSnapshot{
			DeviceID:    dev.deviceID,
			LastSeenAt:  dev.lastSeenAt,
			Connected:   deviceConnected(dev.lastReading),
			LastReading: dev.lastReading,
		}
		for key, a := range dev.alarms {
			if !a.Active {
				continue
			}
			metric, level := splitKey(key)
			snap.ActiveAlarms = append(snap.ActiveAlarms, ActiveAlarm{
				Metric: metric,
				Level:  level,
				Since:  a.LastAlarmAt,
			})
		}
		sort.Slice(snap.ActiveAlarms, func(i, j int) bool {
			if snap.ActiveAlarms[i].Metric != snap.ActiveAlarms[j].Metric {
				return snap.ActiveAlarms[i].Metric < snap.ActiveAlarms[j].Metric
			}
			return snap.ActiveAlarms[i].Level < snap.ActiveAlarms[j].Level
		})
		out = append(out, snap)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Prune 移除长时间无消息的设备状态，返回移除数量
// 设备状态没有显式销毁入口，这里按 TTL 回收避免内存无界增长
func (s *Store) Prune(now time.Time, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, dev := range s.devices {
		if now.Sub(dev.lastSeenAt) > ttl {
			delete(s.devices, id)
			removed++
		}
	}
	return removed
}

// Len 当前已知设备数
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

func deviceConnected(r *models.Reading) bool {
	if r == nil {
		return false
	}
	if r.IsConnected != nil {
		return *r.IsConnected != 0
	}
	return true
}

func splitKey(key string) (metric, level string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
