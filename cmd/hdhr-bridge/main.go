// Command hdhr-bridge presents a pool of IPTV streams to Plex as an
// HDHomeRun network tuner.
//
//	serve    run the emulator, SSDP advertiser and stream dispatcher
//	probe    probe one upstream URL and print what was found
//	lineup   print the lineup Plex would see
//	version  print build information
//
// Settings come from the environment, an optional .env file and an
// optional YAML file given with --config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "hdhr-bridge:", err)
		os.Exit(1)
	}
}
