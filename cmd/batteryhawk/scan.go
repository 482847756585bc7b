package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/battery-hawk/battery-hawk/internal/ble"
	"github.com/battery-hawk/battery-hawk/internal/discovery"
)

// scanCmd runs a one-shot discovery scan without starting the daemon.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for battery monitor devices",
	Long: `Scan for nearby BLE devices and report the ones recognized as
battery monitors. Useful for checking adapter health and finding device
addresses before configuring the daemon.`,
	RunE: runScanCmd,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanAll       bool
	scanStopOnNew bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanAll, "all", "a", false, "Show all devices, not just recognized monitors")
	scanCmd.Flags().BoolVar(&scanStopOnNew, "stop-on-new", false, "Stop as soon as an unseen device appears")
}

func runScanCmd(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}
	if err := configureLogging(cmd, "warn"); err != nil {
		return err
	}

	transport, err := ble.NewTransport()
	if err != nil {
		return fmt.Errorf("bluetooth transport: %w", err)
	}

	svc := discovery.NewService(transport, "")
	autoconf := discovery.NewAutoConfigurator(nil, "", 0)

	records, err := svc.Scan(cmd.Context(), discovery.Options{
		Duration:  scanDuration,
		StopOnNew: scanStopOnNew,
	})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	type result struct {
		discovery.Record
		Family string `json:"family,omitempty"`
	}
	var results []result
	for _, rec := range records {
		family := autoconf.Classify(rec)
		if family == "" && !scanAll {
			continue
		}
		results = append(results, result{Record: rec, Family: family})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].RSSI > results[j].RSSI })

	if scanFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Println("No devices found.")
		return nil
	}

	bold := color.New(color.Bold)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	bold.Fprintln(w, "MAC\tNAME\tFAMILY\tRSSI")
	for _, r := range results {
		family := r.Family
		if family == "" {
			family = "-"
		}
		name := r.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.MAC, name, family, r.RSSI)
	}
	return w.Flush()
}
