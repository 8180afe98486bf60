package app

import (
	"github.com/brandlens/brandlens-backend/internal/jobs/worker"
	"github.com/brandlens/brandlens-backend/internal/platform/envutil"
)

type Config struct {
	ServiceName       string
	Environment       string
	HTTPAddress       string
	BreakerConfigPath string
	RedisAddr         string
	Worker            worker.Config
}

func LoadConfig() Config {
	return Config{
		ServiceName:       envutil.String("SERVICE_NAME", "brandlens-backend"),
		Environment:       envutil.String("APP_ENV", "development"),
		HTTPAddress:       envutil.String("HTTP_ADDRESS", ":8080"),
		BreakerConfigPath: envutil.String("BREAKER_CONFIG_PATH", ""),
		RedisAddr:         envutil.String("REDIS_ADDR", ""),
		Worker:            worker.ConfigFromEnv(),
	}
}
