// flowfwd is the flowfw packet filter daemon.
//
// It filters and translates the packets that nftables rules send to its
// NFQUEUE queues and serves the HTTP and gRPC control APIs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/psaab/flowfw/pkg/config"
	"github.com/psaab/flowfw/pkg/daemon"
)

var version = "dev"

func main() {
	configFile := flag.String("config", config.DefaultPath, "configuration file path")
	noHook := flag.Bool("no-hook", false, "run without packet queues (control plane only)")
	check := flag.Bool("check", false, "validate the configuration file and exit")
	flag.Parse()

	if *check {
		cfg, err := config.Load(*configFile)
		if err == nil {
			err = config.Validate(cfg)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "flowfwd: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("configuration ok")
		return
	}

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		NoHook:     *noHook,
		Version:    version,
	})
	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "flowfwd: %v\n", err)
		os.Exit(1)
	}
}
