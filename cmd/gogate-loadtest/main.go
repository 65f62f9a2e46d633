package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	goGate "github.com/MrEthical07/goGate"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

func main() {
	var (
		users       = flag.Int("users", 1000, "number of distinct users to simulate")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "checks per phase")
		pace        = flag.Float64("pace", 0, "target checks per second; 0 disables pacing")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *users <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "users, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	cfg := gateConfig()
	gate, err := goGate.New().
		WithRedis(client).
		WithConfig(cfg).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gate build failed: %v\n", err)
		os.Exit(1)
	}
	defer gate.Close()

	var limiter *rate.Limiter
	if *pace > 0 {
		limiter = rate.NewLimiter(rate.Limit(*pace), *concurrency)
	}

	fmt.Printf("seeding %d sessions...\n", *users)
	startSeed := time.Now()
	sessionIDs := make([]string, *users)
	for i := 0; i < *users; i++ {
		user := fmt.Sprintf("u%d", i)
		sess, _, err := gate.CreateSession(ctx, goGate.Identity{UserID: user, Role: "user"}, ipFor(user), "loadtest/1.0", "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "session seed failed: %v\n", err)
			os.Exit(1)
		}
		sessionIDs[i] = sess.SessionID
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	readStats := runPhase(ctx, gate, "read", *users, *ops, *concurrency, limiter, func(r *rand.Rand, idx int) goGate.Request {
		user := fmt.Sprintf("u%d", idx)
		return goGate.Request{
			Method:    "GET",
			Path:      "/api/profile",
			IP:        ipFor(user),
			UserAgent: "loadtest/1.0",
			Identity:  goGate.Identity{UserID: user, Role: "user"},
			SessionID: sessionIDs[idx],
			Resource:  "profile",
			Action:    "read",
		}
	})
	writeStats := runPhase(ctx, gate, "write", *users, *ops, *concurrency, limiter, func(r *rand.Rand, idx int) goGate.Request {
		user := fmt.Sprintf("u%d", idx)
		return goGate.Request{
			Method:    "POST",
			Path:      "/api/profile",
			IP:        ipFor(user),
			UserAgent: "loadtest/1.0",
			Identity:  goGate.Identity{UserID: user, Role: "user"},
			SessionID: sessionIDs[idx],
			Resource:  "profile",
			Action:    "update",
		}
	})

	fmt.Println("---- results ----")
	printStats("read", readStats)
	printStats("write", writeStats)

	snapshot := gate.MetricsSnapshot()
	fmt.Println("---- metrics ----")
	fmt.Printf("allowed=%d rate_limited=%d risk_flagged=%d risk_blocked=%d block_short_circuit=%d fail_open=%d\n",
		snapshot.Counters[goGate.MetricRequestAllowed],
		snapshot.Counters[goGate.MetricRateLimited],
		snapshot.Counters[goGate.MetricRiskFlagged],
		snapshot.Counters[goGate.MetricRiskBlocked],
		snapshot.Counters[goGate.MetricBlockShortCircuit],
		snapshot.Counters[goGate.MetricStoreFailOpen],
	)
}

// gateConfig disables anti-forgery (workers replay raw requests, not
// browser flows) and keeps everything else stock so the numbers reflect
// the real pipeline.
func gateConfig() goGate.Config {
	return goGate.Config{
		RateLimit: goGate.RateLimitConfig{Enabled: true},
		Risk: goGate.RiskConfig{
			Enabled:        true,
			BlockThreshold: 75,
			FlagThreshold:  40,
			BlockDuration:  time.Hour,
		},
		Session: goGate.SessionConfig{
			KeyPrefix:          "gs",
			MaxSessionsPerUser: 5,
			IdleLifetime:       30 * time.Minute,
			AbsoluteLifetime:   12 * time.Hour,
			RollingExpiration:  true,
		},
		Access: goGate.AccessConfig{
			SuperRole: "super_admin",
			CacheTTL:  30 * time.Second,
		},
		Audit: goGate.AuditConfig{
			Enabled:    true,
			BufferSize: 4096,
			DropIfFull: true,
		},
		Metrics: goGate.MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

func runPhase(
	ctx context.Context,
	gate *goGate.Gate,
	name string,
	users, ops, concurrency int,
	pacer *rate.Limiter,
	build func(*rand.Rand, int) goGate.Request,
) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		denied    int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	fmt.Printf("running %s phase (%d ops)...\n", name, ops)
	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				if pacer != nil {
					if err := pacer.Wait(ctx); err != nil {
						return
					}
				}

				req := build(r, r.Intn(users))

				t0 := time.Now()
				decision := gate.Check(ctx, req)
				d := time.Since(t0)
				if !decision.Allowed {
					atomic.AddInt64(&denied, 1)
				}

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, denied)
}

type phaseStats struct {
	total   time.Duration
	ops     int
	denied  int64
	p50     time.Duration
	p95     time.Duration
	p99     time.Duration
	opsPerS float64
}

func computeStats(total time.Duration, samples []time.Duration, denied int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:   total,
		ops:     len(samples),
		denied:  denied,
		p50:     percentile(samples, 50),
		p95:     percentile(samples, 95),
		p99:     percentile(samples, 99),
		opsPerS: float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d denied=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.denied,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

func ipFor(user string) string {
	h := 0
	for i := 0; i < len(user); i++ {
		h = h*31 + int(user[i])
	}
	return fmt.Sprintf("10.0.%d.%d", (h>>8)&0xFF, h&0xFF)
}
