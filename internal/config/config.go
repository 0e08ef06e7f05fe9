package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    Server
	Database  Database
	JWTSecret string
	RedisURL  string
	Swap      Swap
	RateLimit RateLimit
	Sweep     time.Duration
	LogFile   string
}

type Server struct {
	Port           string
	Environment    string
	AllowedOrigins []string
}

type Database struct {
	Type string
	URL  string
}

type Swap struct {
	CancelPolicy         string
	ParticipantCacheSize int
}

type RateLimit struct {
	Messages int
	Swaps    int
	Window   time.Duration
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// A missing .env is normal outside development
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_TYPE", "postgres")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("CANCEL_POLICY", "either_after_accept")
	v.SetDefault("PARTICIPANT_CACHE_SIZE", 4096)
	v.SetDefault("RATE_LIMIT_MESSAGES", 60)
	v.SetDefault("RATE_LIMIT_SWAPS", 10)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("SWEEP_INTERVAL", "10m")
	v.SetDefault("LOG_FILE", "server.log")

	return parse(v)
}

func parse(v *viper.Viper) (*Config, error) {
	c := &Config{
		Server: Server{
			Port:           v.GetString("PORT"),
			Environment:    v.GetString("ENV"),
			AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		},
		Database: Database{
			Type: v.GetString("DB_TYPE"),
			URL:  v.GetString("DATABASE_URL"),
		},
		JWTSecret: v.GetString("JWT_SECRET"),
		RedisURL:  v.GetString("REDIS_URL"),
		Swap: Swap{
			CancelPolicy:         v.GetString("CANCEL_POLICY"),
			ParticipantCacheSize: v.GetInt("PARTICIPANT_CACHE_SIZE"),
		},
		RateLimit: RateLimit{
			Messages: v.GetInt("RATE_LIMIT_MESSAGES"),
			Swaps:    v.GetInt("RATE_LIMIT_SWAPS"),
			Window:   v.GetDuration("RATE_LIMIT_WINDOW"),
		},
		Sweep:   v.GetDuration("SWEEP_INTERVAL"),
		LogFile: v.GetString("LOG_FILE"),
	}

	if c.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET environment variable is required")
	}

	if c.Database.URL == "" && c.Database.Type == "postgres" {
		host, name, user := v.GetString("DB_HOST"), v.GetString("DB_NAME"), v.GetString("DB_USER")
		if host == "" || name == "" || user == "" {
			return nil, errors.New("database connection details missing: set DATABASE_URL or individual DB_* variables")
		}
		c.Database.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			user, v.GetString("DB_PASSWORD"), host, v.GetString("DB_PORT"), name)
	}

	switch c.Swap.CancelPolicy {
	case "requester_only", "either_after_accept":
	default:
		return nil, fmt.Errorf("unknown CANCEL_POLICY %q", c.Swap.CancelPolicy)
	}

	return c, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
