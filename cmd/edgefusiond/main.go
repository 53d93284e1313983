// Command edgefusiond runs the full sensor-fusion pipeline: radar reader,
// consolidator, persistence writer, retention sweep, WebSocket broadcaster,
// and read gateway, wired together by the supervisor and torn down on
// SIGINT/SIGTERM. Its flag set and startup shape are grounded on
// cmd/radar/radar.go's main, trimmed of every lidar-specific flag and
// subcommand this domain has no counterpart for.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/banshee-data/edgefusion/internal/broadcaster"
	"github.com/banshee-data/edgefusion/internal/broker"
	"github.com/banshee-data/edgefusion/internal/config"
	"github.com/banshee-data/edgefusion/internal/consolidator"
	"github.com/banshee-data/edgefusion/internal/gateway"
	"github.com/banshee-data/edgefusion/internal/radarreader"
	"github.com/banshee-data/edgefusion/internal/store"
	"github.com/banshee-data/edgefusion/internal/supervisor"
	"github.com/banshee-data/edgefusion/internal/version"
	"github.com/banshee-data/edgefusion/internal/weathercache"
)

var (
	listen       = flag.String("listen", ":8080", "Listen address for the REST/WebSocket gateway")
	radarDevice  = flag.String("radar-port", "/dev/ttyUSB0", "Serial device the Doppler radar is attached to")
	disableRadar = flag.Bool("disable-radar", false, "Run without the radar reader (serve stored events only)")
	dbPath       = flag.String("db-path", "edgefusion.db", "Path to the sqlite database file")
	configFile   = flag.String("config", "", "Path to a JSON tuning configuration file (built-in defaults when empty)")
	versionFlag  = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if *versionFlag {
		fmt.Printf("edgefusiond v%s (git SHA: %s)\n", version.Version, version.GitSHA)
		os.Exit(0)
	}

	cfg := config.Empty()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.Fatalf("failed to load config from %s: %v", *configFile, err)
		}
		cfg = loaded
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database %s: %v", *dbPath, err)
	}
	defer db.Close()

	br := broker.New()
	defer br.Close()

	wc := weathercache.New(br)

	sup := supervisor.New()

	if *disableRadar {
		log.Printf("radar reader disabled, serving stored events only")
	} else {
		reader := radarreader.New(br, cfg, nil, *radarDevice, func(device string) (radarreader.Port, error) {
			return radarreader.Open(device)
		})
		sup.Add("radarreader", reader)
	}

	cons := consolidator.New(br, wc, cfg, nil)
	sup.Add("consolidator", cons)

	writer := store.New(db, br, cfg, nil)
	sup.Add("store_writer", writer)

	retention := store.NewRetention(db, cfg, nil)
	sup.Add("retention", retention)

	bcast := broadcaster.New(br, cfg)
	sup.Add("broadcaster", bcast)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := gateway.New(sup.HealthReports(), gateway.NewBrokerRadarAdapter(br), db, wc)
	mux := gw.ServeMux()
	db.AttachAdminRoutes(mux)
	bcast.Register(mux, "/ws/events")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sup.Run(ctx); err != nil {
			log.Printf("supervisor exited with error: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gw.Start(ctx, *listen); err != nil {
			log.Printf("gateway server error: %v", err)
		}
	}()

	log.Printf("edgefusiond v%s (git SHA: %s) listening on %s", version.Version, version.GitSHA, *listen)
	wg.Wait()
	log.Printf("shutdown complete")
}
