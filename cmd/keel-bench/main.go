package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/montanaflynn/stats"
	"github.com/ngaut/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	keel "github.com/keeldb/keel"
	"github.com/keeldb/keel/config"
	"github.com/keeldb/keel/engine"
	"github.com/keeldb/keel/storage"
	"github.com/keeldb/keel/xct"
)

var (
	configPath   = flag.String("config", "", "config file path")
	statusAddr   = flag.String("addr", "127.0.0.1:9281", "status http address")
	duration     = flag.Duration("duration", 10*time.Second, "benchmark duration")
	records      = flag.Int("records", 10000, "records in the benchmark storage")
	payloadSize  = flag.Int("payload", 64, "record payload bytes")
	snapshotEach = flag.Duration("snapshot-interval", 0, "take a snapshot this often (0 disables)")
)

func main() {
	flag.Parse()
	conf := loadConfig()

	e, err := engine.New(conf)
	if err != nil {
		log.Fatalf("bad engine config: %v", err)
	}
	if err := e.Init(); err != nil {
		log.Fatalf("engine init failed: %v", err)
	}

	go serveStatus(e)

	arr, err := e.StorageManager().CreateArray("bench", *records, *payloadSize)
	if err != nil {
		log.Fatalf("create storage failed: %v", err)
	}

	stopCh := make(chan struct{})
	benchDone := make(chan struct{})
	go handleSignals(stopCh)
	if *snapshotEach > 0 {
		go snapshotLoop(e, stopCh, benchDone)
	}

	var commits, aborts uint64
	latencies := make([][]float64, e.Workers())
	deadline := time.Now().Add(*duration)

	var wg sync.WaitGroup
	for w := 0; w < e.Workers(); w++ {
		wg.Add(1)
		go func(idx int, ctx *xct.Context) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(idx)))
			payload := make([]byte, *payloadSize)
			for time.Now().Before(deadline) {
				select {
				case <-stopCh:
					return
				default:
				}
				start := time.Now()
				if err := runTransfer(e, ctx, arr, rng, payload); err != nil {
					if err == keel.ErrRaceAbort {
						atomic.AddUint64(&aborts, 1)
						continue
					}
					log.Errorf("worker-%d: %v", idx, err)
					return
				}
				atomic.AddUint64(&commits, 1)
				latencies[idx] = append(latencies[idx], float64(time.Since(start).Microseconds()))
			}
		}(w, e.Context(w))
	}
	wg.Wait()
	close(benchDone)

	report(commits, aborts, latencies)
	if err := e.Uninit(); err != nil {
		log.Errorf("engine uninit: %v", err)
	}
}

// runTransfer is one read-modify-write transaction over two random records.
func runTransfer(e *engine.Engine, ctx *xct.Context, arr *storage.ArrayStorage, rng *rand.Rand, payload []byte) error {
	xm := e.XctManager()
	if err := xm.BeginXct(ctx, xct.Serializable); err != nil {
		return err
	}
	a, b := rng.Intn(*records), rng.Intn(*records)
	if _, err := arr.Read(ctx, a); err != nil {
		_ = xm.AbortXct(ctx)
		return err
	}
	rng.Read(payload)
	if err := arr.Overwrite(ctx, b, payload); err != nil {
		_ = xm.AbortXct(ctx)
		return err
	}
	_, err := xm.PrecommitXct(ctx)
	return err
}

func snapshotLoop(e *engine.Engine, stopCh, benchDone chan struct{}) {
	ticker := time.NewTicker(*snapshotEach)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-benchDone:
			return
		case <-ticker.C:
			if snap, err := e.SnapshotManager().TakeSnapshot(); err != nil {
				log.Warnf("snapshot failed: %v", err)
			} else {
				log.Infof("snapshot-%d taken, valid until %s", snap.ID, snap.ValidUntilEpoch)
			}
		}
	}
}

func report(commits, aborts uint64, latencies [][]float64) {
	var all []float64
	for _, l := range latencies {
		all = append(all, l...)
	}
	fmt.Printf("commits: %d\naborts:  %d\n", commits, aborts)
	if len(all) == 0 {
		return
	}
	for _, p := range []float64{50, 95, 99} {
		v, err := stats.Percentile(all, p)
		if err != nil {
			continue
		}
		fmt.Printf("p%.0f latency: %.0fus\n", p, v)
	}
}

func serveStatus(e *engine.Engine) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "current epoch: %s\ndurable epoch: %s\n",
			e.XctManager().CurrentGlobalEpoch(),
			e.LogManager().GetDurableGlobalEpochWeak())
	})
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	log.Infof("status server on %s", *statusAddr)
	if err := http.ListenAndServe(*statusAddr, r); err != nil {
		log.Errorf("status server: %v", err)
	}
}

func loadConfig() *config.Config {
	if *configPath == "" {
		conf := config.NewDefaultConfig()
		conf.Snapshot.Dir = os.TempDir() + "/keel-bench-snapshots"
		return conf
	}
	conf, err := config.LoadFromFile(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	return conf
}

func handleSignals(stopCh chan struct{}) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("got signal %v, stopping", sig)
	close(stopCh)
}
