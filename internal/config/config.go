package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-yaml/yaml"
	"github.com/pkg/errors"

	"campusmerit.org/internal/asset"
	"campusmerit.org/internal/engine"
	"campusmerit.org/internal/ledger"
)

type Config struct {
	Ledger Ledger `yaml:"ledger"`
	Server Server `yaml:"server"`
}

type Ledger struct {
	SuperAdmin string `yaml:"superAdmin"`
	Custody    string `yaml:"custody"`
	Name       string `yaml:"name"`
	Symbol     string `yaml:"symbol"`
	Decimals   uint8  `yaml:"decimals"`
	Cap        string `yaml:"cap"` // base units; "0" means uncapped
	QueueSize  int    `yaml:"queueSize"`
}

type Server struct {
	HTTPAddr           string        `yaml:"httpAddr"`
	GRPCAddr           string        `yaml:"grpcAddr"`
	PostgresDsn        string        `yaml:"postgresDsn"`
	RedisAddr          string        `yaml:"redisAddr"`
	RedisPassword      string        `yaml:"redisPassword"`
	RedisDB            int           `yaml:"redisDB"`
	RedisChannel       string        `yaml:"redisChannel"`
	EnableTrace        bool          `yaml:"enableTrace"`
	TraceEndpoint      string        `yaml:"traceEndpoint"`
	AuthSecret         string        `yaml:"authSecret"`
	LogLevel           string        `yaml:"logLevel"`
	RateBurst          int           `yaml:"rateBurst"`
	RatePerSecond      int           `yaml:"ratePerSecond"`
	MaxBodyBytes       int64         `yaml:"maxBodyBytes"`
	CheckpointInterval time.Duration `yaml:"checkpointInterval"`
}

// Default returns the settings used when neither file nor environment says
// otherwise.
func Default() Config {
	return Config{
		Ledger: Ledger{
			Name:      "Campus Merit",
			Symbol:    "MERIT",
			Decimals:  18,
			Cap:       "0",
			QueueSize: 256,
		},
		Server: Server{
			HTTPAddr:           ":8080",
			GRPCAddr:           ":9090",
			RedisChannel:       "campusmerit.events",
			LogLevel:           "info",
			RateBurst:          20,
			RatePerSecond:      10,
			MaxBodyBytes:       1 << 20,
			CheckpointInterval: time.Minute,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), then applies
// MERIT_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	config := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "open config")
		}
		defer file.Close()

		dec := yaml.NewDecoder(file)
		dec.SetStrict(true)
		if err := dec.Decode(&config); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"MERIT_PG_DSN":         &c.Server.PostgresDsn,
		"MERIT_AUTH_SECRET":    &c.Server.AuthSecret,
		"MERIT_HTTP_ADDR":      &c.Server.HTTPAddr,
		"MERIT_GRPC_ADDR":      &c.Server.GRPCAddr,
		"MERIT_REDIS_ADDR":     &c.Server.RedisAddr,
		"MERIT_TRACE_ENDPOINT": &c.Server.TraceEndpoint,
		"MERIT_LOG_LEVEL":      &c.Server.LogLevel,
		"MERIT_SUPER_ADMIN":    &c.Ledger.SuperAdmin,
		"MERIT_CUSTODY":        &c.Ledger.Custody,
		"MERIT_CAP":            &c.Ledger.Cap,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup("MERIT_TRACE_ENDPOINT"); ok && strings.TrimSpace(v) != "" {
		c.Server.EnableTrace = true
	}
	if v, ok := lookup("MERIT_REDIS_DB"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Errorf("MERIT_REDIS_DB: %q is not an integer", v)
		}
		c.Server.RedisDB = n
	}
	return nil
}

// Validate reports the first setting that would keep the service from starting.
func (c Config) Validate() error {
	if _, err := c.Ledger.superAdmin(); err != nil {
		return err
	}
	if _, err := c.Ledger.custody(); err != nil {
		return err
	}
	if _, err := ledger.ParseAmount(c.Ledger.Cap); err != nil {
		return errors.Wrap(err, "ledger.cap")
	}
	if c.Server.HTTPAddr == "" {
		return errors.New("server.httpAddr is required")
	}
	if c.Server.EnableTrace && c.Server.TraceEndpoint == "" {
		return errors.New("server.traceEndpoint is required when tracing is enabled")
	}
	if c.Server.RateBurst <= 0 || c.Server.RatePerSecond <= 0 {
		return errors.New("server.rateBurst and server.ratePerSecond must be positive")
	}
	if c.Server.CheckpointInterval < 0 {
		return errors.New("server.checkpointInterval must not be negative")
	}
	return nil
}

func (l Ledger) superAdmin() (common.Address, error) {
	return parseIdentity("ledger.superAdmin", l.SuperAdmin)
}

func (l Ledger) custody() (common.Address, error) {
	addr, err := parseIdentity("ledger.custody", l.Custody)
	if err != nil {
		return addr, err
	}
	if admin, _ := l.superAdmin(); admin == addr {
		return common.Address{}, errors.New("ledger.custody must differ from ledger.superAdmin")
	}
	return addr, nil
}

// EngineConfig builds the bootstrap settings for engine.New.
func (c Config) EngineConfig() (engine.Config, error) {
	admin, err := c.Ledger.superAdmin()
	if err != nil {
		return engine.Config{}, err
	}
	custody, err := c.Ledger.custody()
	if err != nil {
		return engine.Config{}, err
	}
	limit, err := ledger.ParseAmount(c.Ledger.Cap)
	if err != nil {
		return engine.Config{}, errors.Wrap(err, "ledger.cap")
	}
	return engine.Config{
		SuperAdmin: admin,
		Custody:    custody,
		Asset: asset.Config{
			Name:     c.Ledger.Name,
			Symbol:   c.Ledger.Symbol,
			Decimals: c.Ledger.Decimals,
			Cap:      limit,
		},
	}, nil
}

func parseIdentity(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s: %q is not a hex address", field, raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s: zero address", field)
	}
	return addr, nil
}
