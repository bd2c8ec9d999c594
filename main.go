package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"geo_torii/internal/config"
	"geo_torii/internal/geo"
	"geo_torii/internal/keystore"
	"geo_torii/internal/server"
	"geo_torii/internal/utils"
)

func main() {
	var basePath string
	flag.StringVar(&basePath, "prefix", "", "Config file base path")
	flag.Parse()

	// Load MainConfig
	cfg, err := config.LoadMainConfig(basePath)
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	logx := utils.InitLogx(cfg.LogPath, cfg.LogHosts...)
	defer logx.Close()

	trusted, err := config.LoadTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("Load trusted proxies failed: %v", err)
	}
	if warning := config.EdgeTrustWarning(cfg, trusted); warning != "" {
		log.Printf("[WARNING] %s", warning)
	}

	openCtx, cancelOpen := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := keystore.Open(openCtx, cfg.ACL)
	cancelOpen()
	if err != nil {
		log.Fatalf("Open ACL key-store failed: %v", err)
	}
	if store == nil {
		log.Printf("[WARNING] ACL driver is %q, every request will be denied", cfg.ACL.Driver)
	} else {
		defer store.Close()
	}

	geoManager, err := geo.NewManager(cfg.GeoIP.CityDB, cfg.GeoIP.ASNDB)
	if err != nil {
		log.Fatalf("Load GeoIP databases failed: %v", err)
	}
	defer geoManager.Close()

	srv := server.NewHTTPServer(cfg, server.NewServer(cfg, server.Deps{
		Store:          store,
		Geo:            geoManager,
		TrustedProxies: trusted,
	}))

	log.Printf("Ready to start server on port %s", cfg.Port)

	// Start server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(srv)
	}()

	for {
		select {
		case <-reload:
			if err := geoManager.Reload(); err != nil {
				log.Printf("[ERROR] GeoIP reload failed: %v", err)
			} else {
				log.Println("GeoIP databases reloaded")
			}
			continue
		case <-stop:
			log.Println("Stopping server...")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := srv.Shutdown(ctx); err != nil {
				log.Printf("[ERROR] Shutdown: %v", err)
			}
			cancel()
		case err := <-serverErr:
			if err != nil {
				log.Printf("[ERROR] Failed to start server: %v", err)
			}
		}
		break
	}

	log.Println("Server stopped")
}
