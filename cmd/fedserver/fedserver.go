// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Starts the federation server: it accepts job submissions over the admin
HTTP API, schedules submitted jobs onto connected client sites, deploys
and supervises their runs, and releases site resources on termination.

For usage details, run fedserver with the command line flag -h or --help.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/openfedcore/fedcore/pkg/admin"
	"github.com/openfedcore/fedcore/pkg/adminapi"
	"github.com/openfedcore/fedcore/pkg/auxmsg"
	"github.com/openfedcore/fedcore/pkg/clog"
	"github.com/openfedcore/fedcore/pkg/config"
	"github.com/openfedcore/fedcore/pkg/controller"
	"github.com/openfedcore/fedcore/pkg/filter"
	"github.com/openfedcore/fedcore/pkg/gateway"
	"github.com/openfedcore/fedcore/pkg/jobstore"
	"github.com/openfedcore/fedcore/pkg/registry"
	"github.com/openfedcore/fedcore/pkg/runner"
	"github.com/openfedcore/fedcore/pkg/scheduler"
	"github.com/openfedcore/fedcore/pkg/transport"
)

func main() {
	var ddaAddress string
	var configPath string
	var listenAddr string
	var dbDSN string
	var help bool
	var log bool

	flag.Usage = usage
	flag.StringVar(&ddaAddress, "d", ":8900", "address (host:port) of DDA sidecar gRPC API")
	flag.StringVar(&configPath, "c", "", "path to server configuration file (YAML)")
	flag.StringVar(&listenAddr, "a", ":8003", "listen address of the admin HTTP API")
	flag.StringVar(&dbDSN, "db", "", "PostgreSQL DSN for the durable job store (in-memory store if empty)")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&log, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	if help {
		usage()
		os.Exit(0)
	}
	if log {
		clog.Enable()
	}
	if err := clog.Init(false, "info"); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			fmt.Printf("Failed loading configuration: %v\n", err)
			os.Exit(1)
		}
	}

	// Handle SIGTERM.
	signaled := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(signaled)
		fmt.Printf("Terminating server on signal %v...\n", <-sigCh)
	}()

	fmt.Printf("Starting federation server (DDA sidecar %s, admin API %s)...\n", ddaAddress, listenAddr)

	ctx, cancel := context.WithCancel(context.Background())
	completed := make(chan struct{})
	go start(ctx, cfg, ddaAddress, listenAddr, dbDSN, configPath, completed)

	for {
		select {
		case <-signaled:
			signaled = nil
			cancel()
		case <-completed:
			return
		}
	}
}

// start wires the server's components and serves until ctx is done.
func start(ctx context.Context, cfg config.Config, ddaAddress, listenAddr, dbDSN, configPath string, completed chan<- struct{}) {
	defer close(completed)
	errlog := clog.New("fedserver ")

	cell, err := transport.DialDda(ddaAddress)
	if err != nil {
		errlog.Errorf("Failed opening DDA gRPC client connection: %v", err)
		return
	}
	defer cell.Close()

	reg := registry.New(cfg.HeartbeatTimeoutD())
	if err := reg.Listen(ctx, cell, cfg.HeartbeatIntervalD()); err != nil {
		errlog.Errorf("Failed subscribing client liveness events: %v", err)
		return
	}

	store, err := openJobStore(dbDSN)
	if err != nil {
		errlog.Errorf("Failed opening job store: %v", err)
		return
	}
	gw := gateway.New(cell)
	sched := scheduler.New(gw, reg, cfg.MaxConcurrentJobs, cfg.ClientReqTimeoutD())

	if configPath != "" {
		err := config.Watch(ctx, configPath, func(updated config.Config) {
			sched.SetMaxConcurrent(updated.MaxConcurrentJobs)
		})
		if err != nil {
			errlog.Errorf("Failed watching configuration file: %v", err)
		}
	}

	run := runner.New(runner.Options{
		Store:            store,
		Scheduler:        sched,
		Sites:            gw,
		Clients:          reg,
		Cell:             cell,
		Logic:            controller.NewLogicRegistry(),
		Filters:          filter.NewRegistry(),
		ReqTimeout:       cfg.ClientReqTimeoutD(),
		FetchInterval:    cfg.DefaultTaskFetchIntervalD(),
		SchedulePatience: cfg.SchedulePatienceD(),
	})

	bus := auxmsg.NewBus(transport.ServerParticipant, cell)
	if err := bus.Start(ctx); err != nil {
		errlog.Errorf("Failed starting aux bus: %v", err)
		return
	}

	svc := admin.NewService(admin.Options{
		Store:  store,
		Runner: run,
		Bus:    bus,
		Signer: admin.NewURLSigner([]byte(registry.NewToken()), 0),
	})

	api := &http.Server{Addr: listenAddr, Handler: adminapi.NewServer(svc).Handler()}
	go func() {
		if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errlog.Errorf("Admin API server failed: %v", err)
		}
	}()
	defer api.Shutdown(context.Background())

	if err := run.Run(ctx); err != nil && ctx.Err() == nil {
		errlog.Errorf("Lifecycle loop ended: %v", err)
	}
}

// openJobStore returns the durable PostgreSQL-backed job store when a DSN
// is configured, with migrations applied, and the in-memory store
// otherwise.
func openJobStore(dsn string) (jobstore.Store, error) {
	if dsn == "" {
		return jobstore.NewMemStore(), nil
	}
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := jobstore.Migrate(db.DB, "postgres"); err != nil {
		db.Close()
		return nil, err
	}
	return jobstore.NewSqlStore(db), nil
}

func usage() {
	fmt.Printf(`usage: fedserver [-h|--help] [-l] [-d ddaAddress] [-c configFile] [-a listenAddress] [-db dsn]

Starts the federation server component.

Flags:
`)
	flag.PrintDefaults()
}
