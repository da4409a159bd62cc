package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr  string `env:"API_ADDR" envDefault:":8080"`

	DBDriver      string `env:"DB_DRIVER" envDefault:"postgres"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"mktops.db"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations/postgres"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	CacheMaxSize       int           `env:"CACHE_MAX_SIZE" envDefault:"100"`
	CacheDefaultTTL    time.Duration `env:"CACHE_DEFAULT_TTL" envDefault:"5m"`
	CacheSweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"5m"`

	JobPollInterval      time.Duration `env:"JOB_POLL_INTERVAL" envDefault:"5s"`
	JobProcessingTimeout time.Duration `env:"JOB_PROCESSING_TIMEOUT" envDefault:"15m"`
	JobRetention         time.Duration `env:"JOB_RETENTION" envDefault:"168h"`
	JobDrainBatch        int           `env:"JOB_DRAIN_BATCH" envDefault:"50"`

	MarketplaceBaseURL string `env:"MARKETPLACE_BASE_URL" envDefault:"https://api.mercadolibre.com/post-purchase/v1"`
	MarketplaceToken   string `env:"MARKETPLACE_TOKEN"`

	ScheduleReap    string `env:"SCHEDULE_REAP" envDefault:"@every 1m"`
	ScheduleCleanup string `env:"SCHEDULE_CLEANUP" envDefault:"@daily"`
	ScheduleMetrics string `env:"SCHEDULE_METRICS" envDefault:"@every 5m"`
}

// Parse reads the configuration from the environment.
func Parse() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	if c.DBDriver == "postgres" && c.PostgresDSN == "" {
		return Config{}, errMissing("POSTGRES_DSN")
	}
	return c, nil
}

func Load() Config {
	loadDotEnv()
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

type errMissing string

func (e errMissing) Error() string { return "config: " + string(e) + " is required" }

// loadDotEnv walks up a few directories looking for a .env file. Values
// already set in the environment win.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
