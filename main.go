package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper-darkly/sniper-backend/config"
	"github.com/whisper-darkly/sniper-backend/gateway"
	"github.com/whisper-darkly/sniper-backend/middleware"
	"github.com/whisper-darkly/sniper-backend/monitor"
	"github.com/whisper-darkly/sniper-backend/notifier"
	"github.com/whisper-darkly/sniper-backend/router"
)

var version = "dev"

func main() {
	port := env("BACKEND_PORT", "8080")
	gatewayURL := env("GATEWAY_URL", "http://127.0.0.1:19998")
	gatewayKey := env("GATEWAY_API_KEY", "")
	bridgeURL := env("NOTIFIER_URL", "ws://localhost:8081/ws")
	confDir := env("CONF_DIR", "/data/conf")
	apiSecret := env("API_SECRET_KEY", "")

	fmt.Printf("sniper-backend %s\n", version)

	cfg, err := config.Load(confDir)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	gw := gateway.NewClient(gatewayURL, gatewayKey)

	var mon *monitor.Monitor

	nc := notifier.NewClient(bridgeURL, notifier.Handler{
		OnCallback: func(data string) {
			if err := mon.HandleCallback(context.Background(), data); err != nil {
				log.Printf("callback: %v", err)
			}
		},
	})

	mon = monitor.New(cfg, monitor.Deps{
		FetchAvailability: func(ctx context.Context, planCode string) (monitor.Availability, error) {
			raw, err := gw.FetchAvailability(ctx, planCode)
			if err != nil {
				return monitor.Availability{}, err
			}
			return monitor.ParseAvailability(raw)
		},
		VerifyPrice: gw.VerifyPrice,
		PriceText:   gw.PriceText,
		PlaceOrder:  gw.QuickOrder,
		Send:        nc.Send,
		Log: func(level, message, category string) {
			log.Printf("[%s] [%s] %s", level, category, message)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go nc.Run(ctx)

	mon.Start()

	handler := middleware.RequireAPIKey(apiSecret, []string{"/api/health"})(
		router.New(mon, cfg, gw, nc))

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down…")
	mon.Stop()
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
