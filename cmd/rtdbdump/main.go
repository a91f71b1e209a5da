package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"sprout/config"
	"sprout/services"

	"go.uber.org/zap"
)

var (
	timeout = flag.Duration("timeout", 10*time.Second, "Timeout for the whole dump")
	asJSON  = flag.Bool("json", false, "Print the dump as a single JSON document")
)

// rtdbDump is everything the device side of the database currently holds.
type rtdbDump struct {
	Pumps      map[string]string `json:"pumps"`
	Mode       string            `json:"mode"`
	Thresholds any               `json:"thresholds"`
	Sensor     any               `json:"latest_sensor,omitempty"`
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	// Load environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if !cfg.FirebaseEnabled() {
		logger.Fatal("FIREBASE_DB_URL and FIREBASE_SERVICE_ACCOUNT_JSON must be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	firebaseService, err := services.NewFirebaseService(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Error initializing Firebase", zap.Error(err))
	}
	defer firebaseService.Close()

	var dump rtdbDump

	dump.Pumps, err = firebaseService.PumpStates(ctx)
	if err != nil {
		logger.Fatal("Error reading pump states", zap.Error(err))
	}
	dump.Mode, err = firebaseService.ReadMode(ctx)
	if err != nil {
		logger.Fatal("Error reading mode", zap.Error(err))
	}
	thresholds, err := firebaseService.ReadThresholds(ctx)
	if err != nil {
		logger.Fatal("Error reading thresholds", zap.Error(err))
	}
	if thresholds != nil {
		dump.Thresholds = thresholds
	}
	if snap, err := firebaseService.LatestSensorSnapshot(ctx); err != nil {
		logger.Warn("No usable sensor record", zap.Error(err))
	} else {
		dump.Sensor = snap
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(dump); err != nil {
			logger.Fatal("Error encoding dump", zap.Error(err))
		}
		return
	}

	ids := make([]string, 0, len(dump.Pumps))
	for id := range dump.Pumps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Printf("Mode: %s\n", dump.Mode)
	fmt.Println("Pumps:")
	for _, id := range ids {
		fmt.Printf("  %s: %s\n", id, dump.Pumps[id])
	}
	if thresholds != nil {
		fmt.Printf("Thresholds: %+v\n", *thresholds)
	} else {
		fmt.Println("Thresholds: (not set)")
	}
	if dump.Sensor != nil {
		fmt.Printf("Latest sensor: %+v\n", dump.Sensor)
	}
}
