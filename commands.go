package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/packtrail-data/packtrail/internal/db"
	"github.com/packtrail-data/packtrail/internal/health"
)

// runCommand dispatches the non-serving subcommands. Each one opens
// the database, does its work, and exits.
func runCommand(args []string) {
	switch args[0] {
	case "migrate-version":
		runMigrateVersion()
	case "migrate-down":
		runMigrateDown()
	case "backfill-health":
		runBackfillHealth(args[1:])
	case "add-account":
		runAddAccount(args[1:])
	case "add-vehicle":
		runAddVehicle(args[1:])
	case "add-location":
		runAddLocation(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		fmt.Fprintln(os.Stderr, "commands: migrate-version, migrate-down, backfill-health, add-account, add-vehicle, add-location")
		os.Exit(2)
	}
}

func runMigrateVersion() {
	database := openDatabase()
	defer database.Close()
	version, dirty, err := database.MigrateVersion()
	if err != nil {
		log.Fatalf("failed to read migration version: %v", err)
	}
	fmt.Printf("schema version %d (dirty=%v)\n", version, dirty)
}

func runMigrateDown() {
	database, err := db.Open(databasePath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()
	if err := database.MigrateDown(); err != nil {
		log.Fatalf("failed to roll back migration: %v", err)
	}
	log.Print("rolled back one migration")
}

// runBackfillHealth recomputes the projection fields of every stored
// battery health snapshot for one vehicle, oldest first.
func runBackfillHealth(args []string) {
	fs := flag.NewFlagSet("backfill-health", flag.ExitOnError)
	vehicleID := fs.Int64("vehicle", 0, "Vehicle ID to backfill (required)")
	fs.Parse(args)
	if *vehicleID < 1 {
		log.Fatal("backfill-health: -vehicle is required")
	}

	database := openDatabase()
	defer database.Close()

	estimator := health.NewEstimator(database, loadTuning())
	updated, err := estimator.Backfill(*vehicleID)
	if err != nil {
		log.Fatalf("backfill failed after %d snapshots: %v", updated, err)
	}
	log.Printf("recomputed projections for %d health snapshots", updated)
}

func runAddAccount(args []string) {
	fs := flag.NewFlagSet("add-account", flag.ExitOnError)
	name := fs.String("name", "", "Account display name (required)")
	token := fs.String("token", "", "Provider API token (required)")
	fs.Parse(args)
	if *name == "" || *token == "" {
		log.Fatal("add-account: -name and -token are required")
	}

	database := openDatabase()
	defer database.Close()

	account := &db.Account{Name: *name, APIToken: *token, Active: true}
	if err := database.CreateAccount(account); err != nil {
		log.Fatalf("failed to create account: %v", err)
	}
	fmt.Printf("created account %d (%s)\n", account.ID, account.Name)
}

func runAddVehicle(args []string) {
	fs := flag.NewFlagSet("add-vehicle", flag.ExitOnError)
	accountID := fs.Int64("account", 0, "Owning account ID (required)")
	providerID := fs.String("provider-id", "", "Provider vehicle identifier (required)")
	name := fs.String("name", "", "Vehicle display name")
	model := fs.String("model", "", "Vehicle model, e.g. R1T")
	packKwh := fs.Float64("pack-kwh", 0, "Rated pack capacity override in kWh")
	fs.Parse(args)
	if *accountID < 1 || *providerID == "" {
		log.Fatal("add-vehicle: -account and -provider-id are required")
	}

	database := openDatabase()
	defer database.Close()

	vehicle := &db.Vehicle{
		AccountID:  *accountID,
		ProviderID: *providerID,
		Name:       *name,
		Model:      *model,
		Active:     true,
	}
	if *packKwh > 0 {
		vehicle.PackKwh = packKwh
	}
	if err := database.CreateVehicle(vehicle); err != nil {
		log.Fatalf("failed to create vehicle: %v", err)
	}
	fmt.Printf("created vehicle %d (%s)\n", vehicle.ID, vehicle.ProviderID)
}

func runAddLocation(args []string) {
	fs := flag.NewFlagSet("add-location", flag.ExitOnError)
	accountID := fs.Int64("account", 0, "Owning account ID (required)")
	name := fs.String("name", "home", "Location name")
	lat := fs.Float64("lat", 0, "Latitude (required)")
	lon := fs.Float64("lon", 0, "Longitude (required)")
	radius := fs.Float64("radius", 0, "Match radius in meters (default from tuning)")
	fs.Parse(args)
	if *accountID < 1 || *lat == 0 || *lon == 0 {
		log.Fatal("add-location: -account, -lat and -lon are required")
	}

	database := openDatabase()
	defer database.Close()

	loc := &db.UserLocation{
		AccountID: *accountID,
		Name:      *name,
		Latitude:  *lat,
		Longitude: *lon,
	}
	if *radius > 0 {
		loc.RadiusMeters = radius
	}
	if err := database.CreateUserLocation(loc); err != nil {
		log.Fatalf("failed to create location: %v", err)
	}
	fmt.Printf("created location %d (%s)\n", loc.ID, loc.Name)
}
