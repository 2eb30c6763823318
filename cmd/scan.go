package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relayforge/aitm/inventory"
)

var (
	scanHelperPath string
	scanHelperArgs []string
	scanJSON       bool

	scanCmd = &cobra.Command{
		Use:     "scan",
		Short:   "Discover hosts on the local segment",
		Example: "aitm scan --helper ./mna-scan",
		RunE:    runScan,
	}
)

func init() {
	scanCmd.Flags().StringVar(&scanHelperPath, "helper", "mna-scan",
		"Path to the host-discovery helper binary")
	scanCmd.Flags().StringArrayVar(&scanHelperArgs, "helper-arg", nil,
		"Argument to pass to the helper (repeatable)")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Emit the scan result as JSON")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	adapter := inventory.NewAdapter(scanHelperPath, scanHelperArgs, log)
	res, err := adapter.Scan(context.Background())
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	if scanJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Printf("Interface: %s\n", res.Interface)
	fmt.Printf("Gateway:   %s\n", res.GatewayIP)
	fmt.Println("Devices:")
	for i, d := range res.Devices {
		tag := ""
		if d.IsGateway {
			tag = " (gateway)"
		}
		fmt.Printf("  [%d] %-15s %s%s\n", i, d.IP, d.MAC, tag)
	}
	return nil
}
