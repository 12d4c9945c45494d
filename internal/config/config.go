package config

import (
	"fmt"
	"os"
	"strconv"

	"mirror-vitals/internal/models"

	"github.com/joho/godotenv"
)

// DatabaseConfig PostgreSQL 连接配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN 构建 lib/pq 连接串
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig 设备读数接入配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // 订阅主题，默认 "mirror/+/vitals"
	QoS      byte
}

// Config 镜面体征服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 镜面服务特定配置
	Mirror struct {
		// Redis 缓存配置
		Cache struct {
			LatestKeyPrefix string // 最新读数缓存键前缀，如 "mirror:user:"
			LatestSuffix    string // 最新读数缓存键后缀，如 ":latest"
			AlertsKeyPrefix string // 告警缓存键前缀，如 "mirror:user:"
			AlertsSuffix    string // 告警缓存键后缀，如 ":alerts"
			LatestTTL       int    // 最新读数 TTL（秒），默认 120秒
			AlertsTTL       int    // 告警缓存 TTL（秒），默认 30秒
		}

		// 自动告警配置
		AlertDedupMinutes int // 同状态未处理告警去重窗口（分钟），默认 5
		AlertListLimit    int // 告警列表默认条数，默认 20
	}

	// 体征阈值（可用环境变量覆盖默认值）
	Thresholds struct {
		HRWarningHigh float64
		HRRiskHigh    float64
		HRWarningLow  float64
		HRRiskLow     float64

		SpO2WarningLow float64
		SpO2RiskLow    float64

		HRVWarningLow float64
		HRVRiskLow    float64
	}

	// 报告导出配置
	Report struct {
		BaseURL        string
		TimeoutSeconds int
		RetryCount     int
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（.env 文件可选，环境变量优先）
func Load() (*Config, error) {
	// .env 不存在不是错误
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "mirror")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "mirror-vitals")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "mirror/+/vitals")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))

	cfg.Mirror.Cache.LatestKeyPrefix = getEnv("CACHE_LATEST_PREFIX", "mirror:user:")
	cfg.Mirror.Cache.LatestSuffix = ":latest"
	cfg.Mirror.Cache.AlertsKeyPrefix = getEnv("CACHE_ALERTS_PREFIX", "mirror:user:")
	cfg.Mirror.Cache.AlertsSuffix = ":alerts"
	cfg.Mirror.Cache.LatestTTL = getEnvInt("CACHE_LATEST_TTL", 120)
	cfg.Mirror.Cache.AlertsTTL = getEnvInt("CACHE_ALERTS_TTL", 30)

	cfg.Mirror.AlertDedupMinutes = getEnvInt("ALERT_DEDUP_MINUTES", 5)
	cfg.Mirror.AlertListLimit = getEnvInt("ALERT_LIST_LIMIT", 20)

	cfg.Thresholds.HRWarningHigh = getEnvFloat("THRESHOLD_HR_WARNING_HIGH", 100)
	cfg.Thresholds.HRRiskHigh = getEnvFloat("THRESHOLD_HR_RISK_HIGH", 120)
	cfg.Thresholds.HRWarningLow = getEnvFloat("THRESHOLD_HR_WARNING_LOW", 50)
	cfg.Thresholds.HRRiskLow = getEnvFloat("THRESHOLD_HR_RISK_LOW", 40)
	cfg.Thresholds.SpO2WarningLow = getEnvFloat("THRESHOLD_SPO2_WARNING_LOW", 94)
	cfg.Thresholds.SpO2RiskLow = getEnvFloat("THRESHOLD_SPO2_RISK_LOW", 90)
	cfg.Thresholds.HRVWarningLow = getEnvFloat("THRESHOLD_HRV_WARNING_LOW", 20)
	cfg.Thresholds.HRVRiskLow = getEnvFloat("THRESHOLD_HRV_RISK_LOW", 10)

	cfg.Report.BaseURL = getEnv("REPORT_BASE_URL", "")
	cfg.Report.TimeoutSeconds = getEnvInt("REPORT_TIMEOUT_SECONDS", 30)
	cfg.Report.RetryCount = getEnvInt("REPORT_RETRY_COUNT", 2)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8086")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// ThresholdSet 转换为分类器使用的阈值集
func (c *Config) ThresholdSet() models.ThresholdSet {
	return models.ThresholdSet{
		HR: models.VitalBounds{
			WarningHigh: c.Thresholds.HRWarningHigh,
			RiskHigh:    c.Thresholds.HRRiskHigh,
			WarningLow:  c.Thresholds.HRWarningLow,
			RiskLow:     c.Thresholds.HRRiskLow,
		},
		SpO2: models.VitalBounds{
			WarningLow: c.Thresholds.SpO2WarningLow,
			RiskLow:    c.Thresholds.SpO2RiskLow,
		},
		HRV: models.VitalBounds{
			WarningLow: c.Thresholds.HRVWarningLow,
			RiskLow:    c.Thresholds.HRVRiskLow,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
