package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Comfie/property-crm-sub001/internal/common/database"
	"github.com/joho/godotenv"
)

type Config struct {
	DB  database.Config
	SFN struct {
		TaskToken string
	}
	// AutoMigrate が true の場合は起動時にスキーマを適用します
	AutoMigrate   bool
	EnableTracing bool
}

// IsLocal はローカル実行(ENV=LOCAL)かを返します
func IsLocal() bool {
	return os.Getenv("ENV") == "LOCAL"
}

// LoadConfig は設定を読み込みます
func LoadConfig(taskToken string) (*Config, error) {
	// ローカル環境のみ .env を読み込む。存在しなくてもエラーにはしない
	if IsLocal() {
		if err := godotenv.Load(); err != nil {
			log.Printf("Could not load .env file: %v", err)
		}
	}

	cfg := &Config{
		DB: database.Config{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getEnvAsIntOrDefault("DB_PORT", 5432),
			UserName: getEnvOrDefault("DB_USERNAME", "propertycrm"),
			Password: getEnvOrDefault("DB_PASSWORD", "password"),
			DBName:   getEnvOrDefault("DB_NAME", "propertycrm"),
			SSLMode:  os.Getenv("DB_SSL_MODE"),

			ApplicationName: os.Getenv("DB_APPLICATION_NAME"),
			MaxOpenConns:    getEnvAsIntOrDefault("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvAsIntOrDefault("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: time.Duration(getEnvAsIntOrDefault("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
			ConnectTimeout:  time.Duration(getEnvAsIntOrDefault("DB_CONNECT_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		AutoMigrate:   getEnvAsBoolOrDefault("DB_AUTO_MIGRATE", false),
		EnableTracing: false,
	}
	cfg.SFN.TaskToken = taskToken

	// 環境変数[PROPERTY_CRM_ENABLE_TRACING]を見てトレースを有効にする。対応しているTracingはAWS_XRAYのみ。
	// 環境変数[AWS_XRAY_SDK_DISABLED]がtrueの場合は必ずトレースを無効にする。
	enableKey := os.Getenv("PROPERTY_CRM_ENABLE_TRACING")
	if !sdkDisabled() && (strings.ToLower(enableKey) == "true" || enableKey == "1") {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "FALSE")
		cfg.EnableTracing = true
	} else {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "TRUE")
		cfg.EnableTracing = false
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	log.Printf("Environment variable %s is not set, using default value", key)
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// Check if SDK is disabled
func sdkDisabled() bool {
	disableKey := os.Getenv("AWS_XRAY_SDK_DISABLED")
	return strings.ToLower(disableKey) == "true"
}
