// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Starts a federation client site: it announces itself to the server,
answers resource reservation calls against its declared capacity, accepts
app deployments, and runs executors for the jobs started on it.

For usage details, run fedclient with the command line flag -h or --help.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openfedcore/fedcore/pkg/clog"
	"github.com/openfedcore/fedcore/pkg/executor"
	"github.com/openfedcore/fedcore/pkg/filter"
	"github.com/openfedcore/fedcore/pkg/job"
	"github.com/openfedcore/fedcore/pkg/registry"
	"github.com/openfedcore/fedcore/pkg/resource"
	"github.com/openfedcore/fedcore/pkg/site"
	"github.com/openfedcore/fedcore/pkg/transport"
)

func main() {
	var ddaAddress string
	var name string
	var org string
	var workDir string
	var cpus int
	var gpus string
	var heartbeat float64
	var help bool
	var log bool

	flag.Usage = usage
	flag.StringVar(&ddaAddress, "d", ":8900", "address (host:port) of DDA sidecar gRPC API")
	flag.StringVar(&name, "n", "", "unique site name (required)")
	flag.StringVar(&org, "o", "", "organization of this site")
	flag.StringVar(&workDir, "w", "workspace", "directory for deployed app payloads")
	flag.IntVar(&cpus, "cpu", 4, "number of cpus offered to jobs")
	flag.StringVar(&gpus, "gpu", "", "comma-separated gpu ids offered to jobs (e.g. 0,1)")
	flag.Float64Var(&heartbeat, "hb", 5, "heartbeat interval in seconds")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&log, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	if help || name == "" {
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

	// Handle SIGTERM.
	signaled := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(signaled)
		fmt.Printf("Terminating client on signal %v...\n", <-sigCh)
	}()

	fmt.Printf("Starting client site %s...\n", name)

	ctx, cancel := context.WithCancel(context.Background())
	completed := make(chan struct{})
	go start(ctx, startOptions{
		ddaAddress: ddaAddress,
		name:       name,
		org:        org,
		workDir:    workDir,
		cpus:       cpus,
		gpus:       gpus,
		heartbeat:  time.Duration(heartbeat * float64(time.Second)),
	}, completed)

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

type startOptions struct {
	ddaAddress string
	name       string
	org        string
	workDir    string
	cpus       int
	gpus       string
	heartbeat  time.Duration
}

// start wires the site agent and serves until ctx is done.
func start(ctx context.Context, opts startOptions, completed chan<- struct{}) {
	defer close(completed)
	errlog := clog.New("fedclient ")

	cell, err := transport.DialDda(opts.ddaAddress)
	if err != nil {
		errlog.Errorf("Failed opening DDA gRPC client connection: %v", err)
		return
	}
	defer cell.Close()

	capacity := map[string]job.ResourceAmount{"cpu": {Count: opts.cpus}}
	if opts.gpus != "" {
		capacity["gpu"] = job.ResourceAmount{IDs: strings.Split(opts.gpus, ",")}
	}
	resources := resource.New(opts.name, resource.NewMemStore(capacity))

	agent := site.New(cell, site.Options{
		Name:              opts.name,
		Organization:      opts.org,
		Token:             registry.NewToken(),
		WorkDir:           opts.workDir,
		Resources:         resources,
		Executors:         executor.NewRegistry(),
		Filters:           filter.NewRegistry(),
		HeartbeatInterval: opts.heartbeat,
	})
	if err := agent.Start(ctx); err != nil {
		errlog.Errorf("Failed starting site agent: %v", err)
		return
	}

	<-ctx.Done()

	// Give publication of the leave announcement time before closing the
	// DDA connection.
	<-time.After(500 * time.Millisecond)
}

func usage() {
	fmt.Printf(`usage: fedclient [-h|--help] [-l] [-d ddaAddress] -n name [-o org] [-w workDir] [-cpu n] [-gpu ids] [-hb seconds]

Starts a federation client site component.

Flags:
`)
	flag.PrintDefaults()
}
