package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// PlanConfig параметры тарифного плана
type PlanConfig struct {
	Handle          string  `mapstructure:"handle"`
	IncludedCredits int64   `mapstructure:"includedCredits"`
	OverageRate     float64 `mapstructure:"overageRate"`
	OverageCap      float64 `mapstructure:"overageCap"`
	TrialDays       int     `mapstructure:"trialDays"`
	TrialCredits    int64   `mapstructure:"trialCredits"`
}

// OverageRateDecimal возвращает ставку перерасхода как decimal
func (p PlanConfig) OverageRateDecimal() decimal.Decimal {
	return decimal.NewFromFloat(p.OverageRate)
}

// OverageCapDecimal возвращает лимит перерасхода как decimal
func (p PlanConfig) OverageCapDecimal() decimal.Decimal {
	return decimal.NewFromFloat(p.OverageCap)
}

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App struct {
		Port string `mapstructure:"port"`
		Env  string `mapstructure:"env"`
	} `mapstructure:"app"`
	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
	} `mapstructure:"kafka"`
	Billing struct {
		APIKey      string `mapstructure:"apiKey"`
		APIEndpoint string `mapstructure:"apiEndpoint"`
	} `mapstructure:"billing"`
	Rollover struct {
		// CronSpec расписание фонового прохода по счетам
		CronSpec string `mapstructure:"cronSpec"`
	} `mapstructure:"rollover"`
	Ledger struct {
		// LockTimeoutMs таймаут ожидания блокировки счета
		LockTimeoutMs int `mapstructure:"lockTimeoutMs"`
		// CasMaxRetries число попыток CAS-записи до отказа
		CasMaxRetries int `mapstructure:"casMaxRetries"`
	} `mapstructure:"ledger"`
	Plans map[string]PlanConfig `mapstructure:"plans"`
}

// DefaultPlan план по умолчанию для неизвестных handle
var DefaultPlan = PlanConfig{
	Handle:          "starter",
	IncludedCredits: 500,
	OverageRate:     0.15,
	OverageCap:      50,
	TrialDays:       7,
	TrialCredits:    100,
}

// Plan возвращает конфигурацию плана по handle
func (c *Config) Plan(handle string) PlanConfig {
	if p, ok := c.Plans[handle]; ok {
		if p.Handle == "" {
			p.Handle = handle
		}
		return p
	}
	return DefaultPlan
}

// LoadConfig загружает конфигурацию из файла или переменных окружения.
func LoadConfig(path string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				return nil, fmt.Errorf("failed to load env file: %w", err)
			}
		}
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.SetDefault("app.port", "8080")
	viper.SetDefault("app.env", "development")
	viper.SetDefault("rollover.cronSpec", "@every 10m")
	viper.SetDefault("ledger.lockTimeoutMs", 2000)
	viper.SetDefault("ledger.casMaxRetries", 5)

	viper.AutomaticEnv() // Чтение переменных окружения

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
