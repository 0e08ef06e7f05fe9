package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(values map[string]any) *viper.Viper {
	v := viper.New()
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_TYPE", "memory")
	v.SetDefault("CANCEL_POLICY", "either_after_accept")
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	for k, val := range values {
		v.Set(k, val)
	}
	return v
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]any
		wantErr string
		check   func(t *testing.T, c *Config)
	}{
		{
			name:    "missing secret",
			values:  map[string]any{},
			wantErr: "JWT_SECRET",
		},
		{
			name:   "memory database needs no URL",
			values: map[string]any{"JWT_SECRET": "s"},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "memory", c.Database.Type)
				assert.Equal(t, time.Minute, c.RateLimit.Window)
			},
		},
		{
			name: "postgres URL from parts",
			values: map[string]any{
				"JWT_SECRET": "s", "DB_TYPE": "postgres",
				"DB_HOST": "db", "DB_NAME": "swaps", "DB_USER": "app", "DB_PASSWORD": "pw", "DB_PORT": "5433",
			},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "postgres://app:pw@db:5433/swaps?sslmode=disable", c.Database.URL)
			},
		},
		{
			name:    "postgres without details",
			values:  map[string]any{"JWT_SECRET": "s", "DB_TYPE": "postgres"},
			wantErr: "database connection details missing",
		},
		{
			name:    "unknown cancel policy",
			values:  map[string]any{"JWT_SECRET": "s", "CANCEL_POLICY": "anyone"},
			wantErr: "CANCEL_POLICY",
		},
		{
			name:   "origins are split and trimmed",
			values: map[string]any{"JWT_SECRET": "s", "ALLOWED_ORIGINS": "http://a.test, http://b.test,,"},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, []string{"http://a.test", "http://b.test"}, c.Server.AllowedOrigins)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := parse(newViper(tt.values))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, c)
		})
	}
}
