// Command tunrelay is the thin CLI front-end: flag parsing, TUN open,
// signal handling, engine start/stop. Adapted from the teacher's
// cmd/outline-cli-ws/main.go, which did the same job in front of a SOCKS5
// server and a load balancer instead of a TUN engine.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"tunrelay/pkg/tunrelay"
)

func main() {
	var cfgPath string
	var managerAddr string
	flag.StringVar(&cfgPath, "c", "config.yaml", "config path")
	flag.StringVar(&managerAddr, "manager", "", "introspection API listen address, e.g. :9200")
	flag.Parse()

	cfg, err := tunrelay.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if !cfg.Tun.Enable {
		log.Fatalf("tun.enable is false; nothing to do")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	tun, err := tunrelay.OpenTun(cfg.Tun.Device)
	if err != nil {
		log.Fatalf("tun: %v", err)
	}
	defer tun.Close()
	logger.Info("tun opened", zap.String("device", tun.Name()), zap.Int("mtu", tun.MTU()))

	eng := tunrelay.New(cfg.Engine, logger)

	if err := eng.Start(tun); err != nil {
		log.Fatalf("engine start: %v", err)
	}

	var mgrSrv *http.Server
	if managerAddr != "" {
		mgrSrv = &http.Server{Addr: managerAddr, Handler: tunrelay.NewManagerHandler(eng)}
		go func() {
			if err := mgrSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("manager server stopped", zap.Error(err))
			}
		}()
		logger.Info("introspection API listening", zap.String("addr", managerAddr))
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info("shutting down")

	if mgrSrv != nil {
		_ = mgrSrv.Close()
	}
	eng.Stop()
}
