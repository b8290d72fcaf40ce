package main

import (
	"fmt"
	"log"
	"os"
	"time"
)

// Config collects all runtime tunables. Everything comes from environment
// variables with competition-day defaults; a missing variable never stops
// startup.
type Config struct {
	Addr        string
	PostgresURL string
	RedisAddr   string

	TimerPresetSec       int
	TimerAllowNegative   bool
	TimeCriterionDefault bool

	PingInterval         time.Duration
	PongTimeout          time.Duration
	WriteWait            time.Duration
	SubscriberQueueDepth int

	RateProgressPerMin int
	RateOtherPerMin    int

	SpectatorTokenTTL time.Duration
	CommandDeadline   time.Duration
}

// LoadConfig reads the environment and fills in defaults.
func LoadConfig() *Config {
	cfg := &Config{
		Addr:                 envString("BOXD_ADDR", ":8080"),
		PostgresURL:          os.Getenv("POSTGRES_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		TimerPresetSec:       300,
		TimerAllowNegative:   envBool("TIMER_ALLOW_NEGATIVE", true),
		TimeCriterionDefault: envBool("TIME_CRITERION_DEFAULT", false),
		PingInterval:         envSeconds("PING_INTERVAL_SEC", 30),
		PongTimeout:          envSeconds("PONG_TIMEOUT_SEC", 60),
		WriteWait:            5 * time.Second,
		SubscriberQueueDepth: envInt("SUBSCRIBER_QUEUE_DEPTH", 64),
		RateProgressPerMin:   envInt("RATE_PROGRESS_PER_MIN", 120),
		RateOtherPerMin:      envInt("RATE_OTHER_PER_MIN", 60),
		SpectatorTokenTTL:    envSeconds("SPECTATOR_TOKEN_TTL_SEC", 86400),
		CommandDeadline:      2 * time.Second,
	}

	if preset := os.Getenv("TIMER_DEFAULT_PRESET"); preset != "" {
		if sec, ok := parsePreset(preset); ok {
			cfg.TimerPresetSec = sec
		} else {
			log.Printf("invalid TIMER_DEFAULT_PRESET %q, using %ds", preset, cfg.TimerPresetSec)
		}
	}

	return cfg
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		log.Printf("invalid %s=%q, using %d", name, v, def)
		return def
	}
	return n
}

func envSeconds(name string, def int) time.Duration {
	return time.Duration(envInt(name, def)) * time.Second
}

func envBool(name string, def bool) bool {
	switch os.Getenv(name) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return def
	}
}
