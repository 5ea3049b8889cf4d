package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// config holds all benchmark knobs. Values come from defaults, then an
// optional YAML file, then flags explicitly set on the command line.
type config struct {
	Shards      int           `yaml:"shards"`
	Hash        string        `yaml:"hash"`
	KeyType     string        `yaml:"key_type"`
	RetryFailed bool          `yaml:"retry_failed"`
	Workers     int           `yaml:"workers"`
	Duration    time.Duration `yaml:"duration"`
	Keys        int           `yaml:"keys"`
	ZipfS       float64       `yaml:"zipf_s"`
	ZipfV       float64       `yaml:"zipf_v"`
	Seed        int64         `yaml:"seed"`
	InitDelay   time.Duration `yaml:"init_delay"`
	FailPct     int           `yaml:"fail_pct"`
	PprofAddr   string        `yaml:"pprof"`
	MetricsAddr string        `yaml:"http"`
	LogLevel    string        `yaml:"log_level"`
	LogFile     string        `yaml:"log_file"`
}

func defaultConfig() config {
	return config{
		Hash:        "fnv",
		KeyType:     "string",
		Workers:     2 * runtime.GOMAXPROCS(0),
		Duration:    10 * time.Second,
		Keys:        1_000_000,
		ZipfS:       1.1,
		ZipfV:       1.0,
		Seed:        time.Now().UnixNano(),
		InitDelay:   time.Millisecond,
		MetricsAddr: ":8080",
		LogLevel:    "info",
	}
}

// bindFlags registers every config field on fs, defaulting to c's values.
func bindFlags(fs *flag.FlagSet, c *config) {
	fs.IntVar(&c.Shards, "shards", c.Shards, "number of shards (0=auto)")
	fs.StringVar(&c.Hash, "hash", c.Hash, "shard hash: fnv | murmur3")
	fs.StringVar(&c.KeyType, "key_type", c.KeyType, "key type: int | string | uuid")
	fs.BoolVar(&c.RetryFailed, "retry_failed", c.RetryFailed, "retry keys whose initializer failed")
	fs.IntVar(&c.Workers, "workers", c.Workers, "number of worker goroutines")
	fs.DurationVar(&c.Duration, "duration", c.Duration, "benchmark duration")
	fs.IntVar(&c.Keys, "keys", c.Keys, "keyspace size")
	fs.Float64Var(&c.ZipfS, "zipf_s", c.ZipfS, "Zipf s > 1 (skew)")
	fs.Float64Var(&c.ZipfV, "zipf_v", c.ZipfV, "Zipf v >= 1")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "random seed")
	fs.DurationVar(&c.InitDelay, "init_delay", c.InitDelay, "simulated initializer latency")
	fs.IntVar(&c.FailPct, "fail_pct", c.FailPct, "percentage of keys whose initializer fails [0..100]")
	fs.StringVar(&c.PprofAddr, "pprof", c.PprofAddr, "serve pprof at addr (e.g. :6060); empty = disabled")
	fs.StringVar(&c.MetricsAddr, "http", c.MetricsAddr, "serve Prometheus metrics at addr; empty = disabled")
	fs.StringVar(&c.LogLevel, "log_level", c.LogLevel, "log level: debug | info | warn | error")
	fs.StringVar(&c.LogFile, "log_file", c.LogFile, "also write JSON logs to this rotating file")
}

// loadConfig parses args. A YAML file named by -config is applied on top
// of the defaults; flags given explicitly win over the file.
func loadConfig(args []string) (config, error) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	path := fs.String("config", "", "YAML config file (flags override it)")
	bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if *path == "" {
		return cfg, cfg.validate()
	}

	fileCfg := defaultConfig()
	fileCfg.Seed = cfg.Seed
	raw, err := os.ReadFile(*path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", *path, err)
	}

	// Re-apply explicitly set flags on top of the file.
	over := flag.NewFlagSet("bench", flag.ContinueOnError)
	bindFlags(over, &fileCfg)
	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" || setErr != nil {
			return
		}
		setErr = over.Set(f.Name, f.Value.String())
	})
	if setErr != nil {
		return cfg, setErr
	}
	return fileCfg, fileCfg.validate()
}

func (c config) validate() error {
	switch c.Hash {
	case "fnv", "murmur3":
	default:
		return fmt.Errorf("unknown hash %q (use fnv or murmur3)", c.Hash)
	}
	switch c.KeyType {
	case "int", "string", "uuid":
	default:
		return fmt.Errorf("unknown key_type %q (use int, string or uuid)", c.KeyType)
	}
	if c.Keys < 1 {
		return fmt.Errorf("keys must be >= 1, got %d", c.Keys)
	}
	if c.ZipfS <= 1 {
		return fmt.Errorf("zipf_s must be > 1, got %v", c.ZipfS)
	}
	if c.ZipfV < 1 {
		return fmt.Errorf("zipf_v must be >= 1, got %v", c.ZipfV)
	}
	if c.FailPct < 0 || c.FailPct > 100 {
		return fmt.Errorf("fail_pct must be in [0..100], got %d", c.FailPct)
	}
	return nil
}
