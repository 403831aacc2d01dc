package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/thatsimonsguy/clima-controller/db"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, command, zoneID, mode string
	var target, offset float64
	flag.StringVar(&dbPath, "db", "data/clima.db", "Path to the SQLite database file")
	flag.StringVar(&command, "cmd", "", "Command to run: set-mode, set-target, set-zone, set-offset, reset-clocks, dump")
	flag.StringVar(&mode, "mode", "", "System mode (off, heat, cool)")
	flag.StringVar(&zoneID, "zone", "", "Zone ID for set-zone (empty clears the selection)")
	flag.Float64Var(&target, "target", 0, "House target temperature for set-target")
	flag.Float64Var(&offset, "offset", 0, "Warm-zone offset for set-offset")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of clima-debug:")
		fmt.Println("  -db string\tPath to the SQLite database file (default 'data/clima.db')")
		fmt.Println("  -cmd string\tCommand to run: set-mode, set-target, set-zone, set-offset, reset-clocks, dump")
		fmt.Println("  -mode string\tSystem mode for set-mode (off, heat, cool)")
		fmt.Println("  -zone string\tZone ID for set-zone (empty clears the selection)")
		fmt.Println("  -target float\tHouse target temperature for set-target")
		fmt.Println("  -offset float\tWarm-zone offset for set-offset")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	var err error
	switch command {
	case "set-mode":
		err = db.SetSystemModeCLI(dbPath, mode)
	case "set-target":
		err = db.SetHouseTargetCLI(dbPath, target)
	case "set-zone":
		err = db.SetActiveZoneCLI(dbPath, zoneID)
	case "set-offset":
		err = db.SetZoneOffsetCLI(dbPath, offset)
	case "reset-clocks":
		err = db.ResetCommandClocksCLI(dbPath)
	case "dump":
		err = db.DumpStateCLI(dbPath)
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
	if command != "dump" {
		fmt.Printf("Command %s completed successfully\n", command)
	}
}
