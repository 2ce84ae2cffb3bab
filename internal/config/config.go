package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"
	"github.com/LisianthusW/water-blanket-mqtt-backend/pkg/config"
)

// Config 摄取管线配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 管线配置
	Pipeline struct {
		Topics           []string // MQTT 订阅过滤器
		Workers          int      // 按设备分道的 worker 数
		QueueDepth       int      // 每道队列深度
		StateTTLHours    int      // 设备状态回收 TTL（小时）
		PruneIntervalMin int      // 状态回收扫描间隔（分钟）
	}

	// 批量写入配置
	Writer struct {
		MaxBatchSize      int // 单批最大条数
		MaxBatchWaitMS    int // 单批最大等待（毫秒）
		MaxRetries        int
		RetryBackoffMS    int
		MaxRetryBackoffMS int
		QueueDepth        int
		OverflowCap       int
		FlushTimeoutSec   int // 关闭时 flush 超时（秒）
	}

	// 报警规则（启动时加载，运行期只读）
	Alarm struct {
		Rules []models.AlarmRule
	}

	// 通知发布配置
	Notify struct {
		Stream         string // 报警事件通知流
		AlarmKeyPrefix string // 活跃报警缓存键前缀
		AlarmSuffix    string // 活跃报警缓存键后缀
		AlarmTTLSec    int
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置（带默认值）并校验
// 报警规则集非法属于致命错误：带着错误的规则运行会直接漏报或误报
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "sleep_blanket_db")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "sleep-blanket-ingest")
	cfg.MQTT.QoS = 1
	cfg.MQTT.KeepAliveSec = 60
	cfg.MQTT.ConnectTimeoutSec = 30
	cfg.MQTT.MaxReconnectWaitSec = 60
	cfg.MQTT.LoadFromEnv("MQTT")

	topics := getEnv("MQTT_TOPICS", "sleep_blanket/+/data,sleep_blanket/+/status")
	for _, topic := range strings.Split(topics, ",") {
		if topic = strings.TrimSpace(topic); topic != "" {
			cfg.Pipeline.Topics = append(cfg.Pipeline.Topics, topic)
		}
	}
	cfg.Pipeline.Workers = getEnvInt("PIPELINE_WORKERS", 8)
	cfg.Pipeline.QueueDepth = getEnvInt("PIPELINE_QUEUE_DEPTH", 512)
	cfg.Pipeline.StateTTLHours = getEnvInt("STATE_TTL_HOURS", 24)
	cfg.Pipeline.PruneIntervalMin = getEnvInt("STATE_PRUNE_INTERVAL_MIN", 30)

	cfg.Writer.MaxBatchSize = getEnvInt("WRITER_MAX_BATCH_SIZE", 200)
	cfg.Writer.MaxBatchWaitMS = getEnvInt("WRITER_MAX_BATCH_WAIT_MS", 500)
	cfg.Writer.MaxRetries = getEnvInt("WRITER_MAX_RETRIES", 3)
	cfg.Writer.RetryBackoffMS = getEnvInt("WRITER_RETRY_BACKOFF_MS", 200)
	cfg.Writer.MaxRetryBackoffMS = getEnvInt("WRITER_MAX_RETRY_BACKOFF_MS", 5000)
	cfg.Writer.QueueDepth = getEnvInt("WRITER_QUEUE_DEPTH", 4096)
	cfg.Writer.OverflowCap = getEnvInt("WRITER_OVERFLOW_CAP", 10000)
	cfg.Writer.FlushTimeoutSec = getEnvInt("WRITER_FLUSH_TIMEOUT_SEC", 10)

	cfg.Notify.Stream = getEnv("NOTIFY_STREAM", "alarm:events")
	cfg.Notify.AlarmKeyPrefix = getEnv("NOTIFY_ALARM_PREFIX", "blanket:device:")
	cfg.Notify.AlarmSuffix = ":alarms"
	cfg.Notify.AlarmTTLSec = getEnvInt("NOTIFY_ALARM_TTL_SEC", 300)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	rules, err := loadRules()
	if err != nil {
		return nil, err
	}
	cfg.Alarm.Rules = rules

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadRules 加载报警规则：ALARM_RULES 环境变量（JSON 数组）覆盖内置默认规则
func loadRules() ([]models.AlarmRule, error) {
	if raw := os.Getenv("ALARM_RULES"); raw != "" {
		var rules []models.AlarmRule
		if err := json.Unmarshal([]byte(raw), &rules); err != nil {
			return nil, fmt.Errorf("invalid ALARM_RULES: %w", err)
		}
		return rules, nil
	}
	return DefaultRules(), nil
}

// DefaultRules 内置默认规则集
// 温度两级阈值：38°C WARNING / 42°C CRITICAL，冷却 60 秒；
// 连接丢失（is_connected=0）WARNING，冷却 300 秒；
// 设备自报报警（is_alarm=1）CRITICAL，冷却 60 秒
func DefaultRules() []models.AlarmRule {
	return []models.AlarmRule{
		{
			Level:       models.LevelWarning,
			Metric:      models.MetricTemperature,
			Comparison:  models.CompareMax,
			Max:         floatPtr(38),
			CooldownSec: 60,
		},
		{
			Level:       models.LevelCritical,
			Metric:      models.MetricTemperature,
			Comparison:  models.CompareMax,
			Max:         floatPtr(42),
			CooldownSec: 60,
		},
		{
			Level:       models.LevelWarning,
			Metric:      models.MetricConnected,
			Comparison:  models.CompareMin,
			Min:         floatPtr(1),
			CooldownSec: 300,
		},
		{
			Level:       models.LevelCritical,
			Metric:      models.MetricIsAlarm,
			Comparison:  models.CompareMax,
			Max:         floatPtr(0),
			CooldownSec: 60,
		},
	}
}

// Validate 校验配置，非法配置拒绝启动
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("MQTT broker is required")
	}
	if len(c.Pipeline.Topics) == 0 {
		return fmt.Errorf("at least one MQTT topic is required")
	}
	if len(c.Alarm.Rules) == 0 {
		return fmt.Errorf("alarm rule set is empty")
	}
	seen := make(map[string]bool)
	for i := range c.Alarm.Rules {
		rule := &c.Alarm.Rules[i]
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid alarm rule set: %w", err)
		}
		if seen[rule.Key()] {
			return fmt.Errorf("invalid alarm rule set: duplicate rule for %s", rule.Key())
		}
		seen[rule.Key()] = true
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var v int
		if _, err := fmt.Sscanf(value, "%d", &v); err == nil {
			return v
		}
	}
	return defaultValue
}

func floatPtr(v float64) *float64 {
	return &v
}
