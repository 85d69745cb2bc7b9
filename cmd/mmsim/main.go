// Command mmsim boots the memory-management core in a hosted process, runs
// a synthetic workload against it and prints the resulting statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/yaml"

	"github.com/nassro199/Horizon-sub003/kernel/kfmt"
	"github.com/nassro199/Horizon-sub003/kernel/kmain"
	"github.com/nassro199/Horizon-sub003/kernel/mm/config"
	"github.com/nassro199/Horizon-sub003/kernel/mm/metrics"
)

var log = kfmt.Get("mmsim")

type options struct {
	configFile  string
	spaces      int
	pages       int
	rounds      int
	seed        int64
	duration    time.Duration
	metricsAddr string
}

type report struct {
	Workload workloadResult `json:"workload"`
	Stats    kmain.Snapshot `json:"stats"`
}

func main() {
	var opt options

	flag.StringVar(&opt.configFile, "config", "", "YAML configuration file")
	flag.IntVar(&opt.spaces, "spaces", 4, "number of address spaces")
	flag.IntVar(&opt.pages, "pages", 64, "pages mapped by each region")
	flag.IntVar(&opt.rounds, "rounds", 8, "workload rounds")
	flag.Int64Var(&opt.seed, "seed", 1, "workload random seed")
	flag.DurationVar(&opt.duration, "duration", 0, "time to keep the background workers running after the workload")
	flag.StringVar(&opt.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	flag.Parse()

	kfmt.SetOutputSink(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opt, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "mmsim: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(ctx context.Context, opt options, out io.Writer) (err error) {
	cfg, err := loadConfig(opt.configFile)
	if err != nil {
		return err
	}

	k, err := kmain.Boot(cfg, patternFS{})
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := k.Shutdown(); err == nil {
			err = shutdownErr
		}
	}()

	if opt.metricsAddr != "" {
		srv := serveMetrics(k, opt.metricsAddr)
		defer srv.Close()
	}

	result, err := newWorkload(k, workloadOptions{
		Spaces: opt.spaces,
		Pages:  opt.pages,
		Rounds: opt.rounds,
		Seed:   opt.seed,
	}).run()
	if err != nil {
		return err
	}
	log.Infof("workload: %d writes, %d reads, %d verified", result.Writes, result.Reads, result.Verified)

	if opt.duration > 0 {
		runCtx, cancel := context.WithTimeout(ctx, opt.duration)
		err = k.Run(runCtx)
		cancel()
		if err != nil {
			return err
		}
	}

	if err = k.Verify(); err != nil {
		return err
	}

	data, err := yaml.Marshal(report{Workload: result, Stats: k.Snapshot()})
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func serveMetrics(k *kmain.Kernel, addr string) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(k))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	log.Infof("serving metrics on %s/metrics", addr)
	return srv
}
