package config

import (
	"time"
)

type config struct {
	Env *AppConfig
}

func NewConfig(env *AppConfig) *config {
	return &config{Env: env}
}

func (cfg *config) GetEnv() *AppConfig {
	return cfg.Env
}

func (cfg *config) GetSchedulerInterval() time.Duration {
	return time.Duration(cfg.Env.SchedulerInterval) * time.Second
}

func (cfg *config) GetCollectTimeout() time.Duration {
	return time.Duration(cfg.Env.CollectTimeout) * time.Second
}
