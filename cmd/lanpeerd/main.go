// Command lanpeerd is a demo host process for the peer discovery and
// transport core: it loads a node configuration, runs the dispatch core
// at a fixed tick rate, and optionally serves the admin introspection
// interface.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bfix/gospel/logger"

	"github.com/pjy612/lanpeer/admin"
	"github.com/pjy612/lanpeer/config"
	"github.com/pjy612/lanpeer/dispatch"
	"github.com/pjy612/lanpeer/resolve"
	"github.com/pjy612/lanpeer/util"
)

func main() {
	defer func() {
		logger.Println(logger.INFO, "[lanpeerd] Bye.")
		logger.Flush()
	}()
	logger.Println(logger.INFO, "[lanpeerd] Starting...")

	var (
		cfgFile  string
		logLevel int
	)
	flag.StringVar(&cfgFile, "c", "lanpeer-config.json", "node configuration file")
	flag.IntVar(&logLevel, "L", logger.INFO, "log level (default: INFO)")
	flag.Parse()

	cfg, err := config.Parse(cfgFile)
	if err != nil {
		logger.Printf(logger.ERROR, "[lanpeerd] invalid configuration file: %s\n", err.Error())
		return
	}
	logger.SetLogLevel(logLevel)

	core, err := dispatch.New(cfg.Identities, cfg.AppTag, cfg.UDPPort)
	if err != nil {
		logger.Printf(logger.ERROR, "[lanpeerd] core failed to start: %s\n", err.Error())
		return
	}
	logger.Printf(logger.INFO, "[lanpeerd] bound udp=%d tcp=%d\n", core.UDPPort(), core.TCPPort())

	resolver := resolve.New(cfg.ResolverAddr)
	var customTargets []util.Endpoint
	for _, bt := range cfg.CustomBroadcasts {
		ip, err := resolver.Resolve(bt.Host)
		if err != nil {
			logger.Printf(logger.WARN, "[lanpeerd] dropping custom broadcast target %q: %s\n", bt.Host, err.Error())
			continue
		}
		customTargets = append(customTargets, util.Endpoint{IP: ip, Port: bt.Port})
	}
	core.SetCustomBroadcastTargets(customTargets)
	core.SetRestrictGossipToWhitelist(cfg.RestrictGossipToWhitelist)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.AdminBind != "" {
		iface, err := admin.New(core.AdminStore(), cfg.AdminBind)
		if err != nil {
			logger.Printf(logger.ERROR, "[lanpeerd] admin interface failed to start: %s\n", err.Error())
			return
		}
		iface.Start(ctx)
		logger.Printf(logger.INFO, "[lanpeerd] admin interface listening on %s\n", cfg.AdminBind)
	}

	sigCh := make(chan os.Signal, 5)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

loop:
	for {
		select {
		case sig := <-sigCh:
			logger.Printf(logger.INFO, "[lanpeerd] terminating (signal %s)\n", sig)
			break loop
		case <-tick.C:
			core.Run()
		}
	}
}
