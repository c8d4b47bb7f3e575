package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef"

func TestDefaults(t *testing.T) {
	v := New()
	v.Set("jwt.secret", testSecret)

	cfg, err := Decode(v)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "fieldsync-hub", cfg.JWT.Issuer)
	assert.Equal(t, []string{"127.0.0.1:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, 2*time.Minute, cfg.Presence.TTL)
	assert.Equal(t, 30*time.Second, cfg.Presence.SweepInterval)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.False(t, cfg.ImagesEnabled())
	assert.False(t, cfg.SMSEnabled())
	assert.Equal(t, "site-hub", cfg.Log.Service)
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]func(v *viper.Viper){
		"short secret":       func(v *viper.Viper) { v.Set("jwt.secret", "short") },
		"no redis":           func(v *viper.Viper) { v.Set("redis.addrs", []string{}) },
		"bad driver":         func(v *viper.Viper) { v.Set("database.driver", "postgres") },
		"mysql without dsn":  func(v *viper.Viper) { v.Set("database.driver", "mysql"); v.Set("database.dsn", "") },
		"minio without keys": func(v *viper.Viper) { v.Set("minio.endpoint", "127.0.0.1:9000") },
		"sms without sign":   func(v *viper.Viper) { v.Set("sms.access_key_id", "ak"); v.Set("sms.phones", []string{"1"}) },
		"sweep beyond ttl":   func(v *viper.Viper) { v.Set("presence.sweep_interval", time.Hour) },
		"zero ttl":           func(v *viper.Viper) { v.Set("jwt.ttl", 0) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			v := New()
			v.Set("jwt.secret", testSecret)
			mutate(v)
			_, err := Decode(v)
			assert.Error(t, err)
		})
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
jwt:
  secret: "`+testSecret+`"
kafka:
  brokers: ["k1:9092", "k2:9092"]
minio:
  endpoint: "127.0.0.1:9000"
  access_key: "ak"
  secret_key: "sk"
`), 0o600))
	t.Setenv("FIELDSYNC_SERVER_ADDR", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.ImagesEnabled())
	assert.Equal(t, "field-reports", cfg.MinIO.Bucket)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
