// Command bench runs a synthetic lazy-initialization workload against
// oncemap and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/oncemap/internal/util"
	pmet "github.com/IvanBrykalov/oncemap/metrics/prom"
	"github.com/IvanBrykalov/oncemap/oncemap"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "bench:", err)
		os.Exit(2)
	}
	logger, closer, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bench:", err)
		os.Exit(2)
	}
	defer func() { _ = closer.Close() }()

	// ---- pprof + Prometheus (on DefaultServeMux) ----
	if cfg.PprofAddr != "" {
		go serve(logger, "pprof", cfg.PprofAddr)
	}
	var metrics oncemap.Metrics = oncemap.NoopMetrics{}
	if cfg.MetricsAddr != "" {
		metrics = pmet.New(nil, "oncemap", "bench", nil)
		http.Handle("/metrics", promhttp.Handler())
		go serve(logger, "metrics", cfg.MetricsAddr)
	}

	switch cfg.KeyType {
	case "int":
		err = run(cfg, logger, metrics, func(n uint64) uint64 { return n })
	case "string":
		err = run(cfg, logger, metrics, func(n uint64) string { return "k:" + strconv.FormatUint(n, 10) })
	case "uuid":
		err = run(cfg, logger, metrics, func(n uint64) [16]byte {
			return uuid.NewSHA1(uuid.NameSpaceOID, strconv.AppendUint(nil, n, 10))
		})
	}
	if err != nil {
		logger.Error("bench failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(logger *slog.Logger, what, addr string) {
	logger.Info("serving", slog.String("what", what), slog.String("addr", addr))
	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Error("server stopped", slog.String("what", what), slog.Any("error", err))
	}
}

var errSimulated = errors.New("simulated initializer failure")

// run drives cfg.Workers goroutines doing GetOrTryInit on Zipf-distributed
// keys and then checks the once-per-key accounting.
func run[K comparable](cfg config, logger *slog.Logger, metrics oncemap.Metrics, key func(uint64) K) error {
	opt := oncemap.Options[K, K]{
		Shards:      cfg.Shards,
		RetryFailed: cfg.RetryFailed,
		Metrics:     metrics,
		Logger:      logger,
	}
	if cfg.Hash == "murmur3" {
		opt.Hasher = util.Murmur3[K]
	}
	m := oncemap.New[K, K](opt)

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	keysMax := uint64(cfg.Keys - 1)

	var inits, ops, hits, failed atomic.Uint64
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	logger.Info("bench starting",
		slog.String("key_type", cfg.KeyType),
		slog.String("hash", cfg.Hash),
		slog.Int("shards", m.Shards()),
		slog.Int("workers", workers),
		slog.Int("keys", cfg.Keys),
		slog.Duration("duration", cfg.Duration),
		slog.Int64("seed", cfg.Seed),
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			r := rand.New(rand.NewSource(cfg.Seed + int64(w)*9973))
			zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, keysMax)

			for gctx.Err() == nil {
				n := zipf.Uint64()
				k := key(n)
				ops.Add(1)
				v, err := m.GetOrTryInit(k, func() (K, error) {
					inits.Add(1)
					if cfg.InitDelay > 0 {
						time.Sleep(cfg.InitDelay)
					}
					if int(n%100) < cfg.FailPct {
						return k, errSimulated
					}
					return k, nil
				})
				switch {
				case err == nil && *v != k:
					return fmt.Errorf("key %v resolved to %v", k, *v)
				case err == nil:
					hits.Add(1)
				case errors.Is(err, oncemap.ErrInitFailed):
					failed.Add(1)
				default:
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	// ---- Report + once-per-key check ----
	st := m.Stats()
	opsN := ops.Load()
	fmt.Printf("key_type=%s hash=%s shards=%d workers=%d keys=%d dur=%v seed=%d\n",
		cfg.KeyType, cfg.Hash, m.Shards(), workers, cfg.Keys, elapsed, cfg.Seed)
	fmt.Printf("ops=%d (%.0f ops/s)  ok=%d  failed=%d\n",
		opsN, float64(opsN)/elapsed.Seconds(), hits.Load(), failed.Load())
	fmt.Printf("entries=%d inits=%d hits=%d waits=%d failures=%d retries=%d\n",
		st.Entries, inits.Load(), st.Hits, st.Waits, st.Failures, st.Retries)

	if got, want := inits.Load(), uint64(st.Entries)+uint64(st.Retries); got != want {
		return fmt.Errorf("initializer ran %d times for %d entries and %d retries", got, st.Entries, st.Retries)
	}
	return nil
}
