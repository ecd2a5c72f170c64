package config

import (
	"fmt"
	"log"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	ServerPort string `env:"SERVER_PORT" env-default:"5000"`

	DBDriver          string `env:"DB_DRIVER" env-default:"postgres"`
	DBHost            string `env:"DB_HOST" env-default:"localhost"`
	DBPort            string `env:"DB_PORT" env-default:"5432"`
	DBUser            string `env:"DB_USER" env-default:"task_user"`
	DBPassword        string `env:"DB_PASSWORD" env-default:"task_pass"`
	DBName            string `env:"DB_NAME" env-default:"task_manager"`
	DBSSLMode         string `env:"DB_SSLMODE" env-default:"disable"`
	SQLitePath        string `env:"SQLITE_PATH" env-default:"task_manager.db"`
	MigrationsEnabled bool   `env:"MIGRATIONS_ENABLED" env-default:"true"`

	JWTSecret      string `env:"JWT_SECRET" env-default:"supersecretkey"`
	JWTExpiryHours int    `env:"JWT_EXPIRY_HOURS" env-default:"24"`

	LogLevel    string `env:"LOG_LEVEL" env-default:"info"`
	LogEncoding string `env:"LOG_ENCODING" env-default:"json"`

	RedisURL          string        `env:"REDIS_URL"`
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" env-default:"20"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" env-default:"1m"`

	CORSOrigins []string `env:"CORS_ORIGINS" env-separator:"," env-default:"http://localhost:3000,http://client:3000"`

	// Dependency graph traversal.
	DependencyPreloadGraph bool `env:"DEPENDENCY_PRELOAD_GRAPH" env-default:"true"`
	DependencyMaxNodes     int  `env:"DEPENDENCY_MAX_NODES" env-default:"10000"`

	// OverdueSweep rewrites stored statuses of past-due tasks before reads.
	OverdueSweep bool `env:"OVERDUE_SWEEP" env-default:"true"`
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, using system environment variables")
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("❌ cannot read env: %s", err)
	}
	return &cfg
}

// PostgresDSN builds the DSN used by the gorm postgres driver.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

func (c *Config) JWTExpiry() time.Duration {
	if c.JWTExpiryHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.JWTExpiryHours) * time.Hour
}
