package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Host       string        `env:"ROUTEROS_HOST,default=127.0.0.1"`
	Port       int           `env:"ROUTEROS_PORT"`
	Username   string        `env:"ROUTEROS_USERNAME,default=admin"`
	Password   string        `env:"ROUTEROS_PASSWORD"`
	TLS        bool          `env:"ROUTEROS_TLS"`
	Timeout    time.Duration `env:"ROUTEROS_TIMEOUT,default=10s"`
	Persistent bool          `env:"ROUTEROS_PERSISTENT"`
	LogLevel   string        `env:"ROUTEROS_LOG_LEVEL,default=info"`
	DebugHTTP  bool          `env:"ROUTEROS_DEBUG_HTTP"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
