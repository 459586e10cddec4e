package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/robfig/cron/v3"
	"github.com/yanun0323/logs"

	"main/internal/archive"
	"main/internal/bus"
	"main/internal/correlator"
	"main/internal/core"
	"main/internal/gateway"
	"main/internal/guardrail"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/registry"
	"main/internal/router"
	"main/internal/sched"
	"main/pkg/conn"
)

const (
	eventQueueSize  = 1024
	wheelTick       = 100 * time.Millisecond
	wheelSlots      = 512
	sweepInterval   = 10 * time.Second
	tradingDayShape = "2006-01-02"
)

type emptyLogger struct{}

func (emptyLogger) Infof(string, ...interface{})  {}
func (emptyLogger) Debugf(string, ...interface{}) {}
func (emptyLogger) Errorf(string, ...interface{}) {}

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	adminAddr := flag.String("admin-addr", "127.0.0.1:7341", "Mission-control API listen address")
	profile := flag.Bool("profile", false, "Enable continuous profiling")
	profileAddr := flag.String("profile-addr", "http://localhost:4040", "Profiling server address")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("missing -config")
	}
	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if *profile {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "firectl",
			ServerAddress:   *profileAddr,
			Logger:          emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, loaded, *adminAddr); err != nil {
		log.Fatalf("firectl failed: %v", err)
	}
}

func run(ctx context.Context, loaded ops.Loaded, adminAddr string) error {
	metrics := obs.NewMetrics()
	queue := bus.NewQueue(eventQueueSize)
	wheel := sched.NewWheel(wheelTick, wheelSlots)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	var store *archive.Store
	if loaded.Database.Enabled {
		client, err := conn.New(conn.Option{
			Host:     loaded.Database.Host,
			Port:     loaded.Database.Port,
			User:     loaded.Database.User,
			Password: loaded.Database.Password,
			Database: loaded.Database.Database,
			SSLMode:  loaded.Database.SSLMode,
		})
		if err != nil {
			return err
		}
		store, err = archive.NewStore(client.DB(), loaded.Database.QueueSize)
		if err != nil {
			return err
		}
		spawn(func() { store.Run(ctx) })
	}

	regOpts := []registry.Option{
		registry.WithEventHandler(func(e registry.LivenessEvent) {
			logs.Infof("agent %s %s -> %s", e.AgentID, e.From, e.To)
		}),
	}
	if store != nil {
		regOpts = append(regOpts, registry.WithArchiveSink(store.Agent))
	}
	reg := registry.New(loaded.Registry, regOpts...)

	guard := guardrail.NewEngine(loaded.ProfileFunc())
	if loaded.Snapshot.Path != "" {
		restoreSnapshot(guard, loaded.Snapshot.Path)
	}

	table := router.NewTable()
	corrOpts := []correlator.Option{correlator.WithMetrics(metrics)}
	routerOpts := []router.Option{router.WithMetrics(metrics)}
	if store != nil {
		corrOpts = append(corrOpts, correlator.WithArchiveSink(store.Command))
		routerOpts = append(routerOpts, router.WithArchiveSink(store.Command))
	}
	corr := correlator.New(table, guard, corrOpts...)
	rt := router.New(loaded.Router, reg, guard, table, wheel, corr, routerOpts...)

	dispatcher := core.NewDispatcher(queue, reg, corr)
	server := gateway.NewServer(loaded.Gateway, reg, queue, metrics)
	admin := newAdminServer(adminAddr, rt, guard, metrics)

	spawn(func() { wheel.Run(ctx) })
	spawn(func() { dispatcher.Run(ctx) })
	spawn(func() { sweepLoop(ctx, reg) })
	if loaded.Snapshot.Path != "" {
		spawn(func() { snapshotLoop(ctx, guard, loaded.Snapshot) })
	}

	scheduler := cron.New(cron.WithLocation(loaded.Reset.Location))
	if _, err := scheduler.AddFunc(loaded.Reset.CronSpec, func() {
		dailyReset(guard, store)
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	errCh := make(chan error, 2)
	spawn(func() {
		if err := server.Start(ctx); err != nil {
			errCh <- err
		}
	})
	spawn(func() {
		if err := admin.Start(ctx); err != nil {
			errCh <- err
		}
	})

	logs.Infof("firectl up, gateway on %s%s", loaded.Gateway.Addr, loaded.Gateway.Path)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	queue.Close()
	wg.Wait()

	if loaded.Snapshot.Path != "" {
		day := time.Now().In(loaded.Reset.Location).Format(tradingDayShape)
		if err := guardrail.WriteSnapshot(loaded.Snapshot.Path, guard.Snapshot(day)); err != nil {
			logs.Errorf("final snapshot write failed: %v", err)
		}
	}
	snap := metrics.Snapshot()
	logs.Infof("metrics: admitted=%d confirmed=%d settled=%d timed_out=%d rejects=%v",
		snap.Admitted, snap.Confirmed, snap.Settled, snap.TimedOut, snap.RejectReasonCounts)
	return nil
}

// restoreSnapshot reloads guardrail state when the persisted snapshot
// belongs to the current trading day; a stale snapshot is ignored so the
// day starts clean.
func restoreSnapshot(guard *guardrail.Engine, path string) {
	snap, err := guardrail.ReadSnapshot(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logs.Warnf("snapshot read failed: %v", err)
		}
		return
	}
	today := time.Now().UTC().Format(tradingDayShape)
	if snap.TradingDay != today {
		logs.Infof("ignoring snapshot from %s", snap.TradingDay)
		return
	}
	guard.Restore(snap)
	logs.Infof("restored guardrail state for %d accounts", len(snap.Accounts))
}

func sweepLoop(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.Sweep()
		}
	}
}

func snapshotLoop(ctx context.Context, guard *guardrail.Engine, spec ops.SnapshotSpec) {
	ticker := time.NewTicker(spec.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			day := time.Now().UTC().Format(tradingDayShape)
			if err := guardrail.WriteSnapshot(spec.Path, guard.Snapshot(day)); err != nil {
				logs.Errorf("snapshot write failed: %v", err)
			}
		}
	}
}

// dailyReset archives the closing day state, then unlocks every account
// for the new trading day. In-flight reservations survive the boundary.
func dailyReset(guard *guardrail.Engine, store *archive.Store) {
	closing := time.Now().UTC().Add(-time.Minute).Format(tradingDayShape)
	if store != nil {
		for _, view := range guard.Accounts() {
			store.DayState(closing, view)
		}
	}
	guard.Reset()
	logs.Infof("daily reset applied, closed day %s", closing)
}
