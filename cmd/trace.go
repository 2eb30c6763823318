package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayforge/aitm/model"
	"github.com/relayforge/aitm/traceroute"
)

var (
	traceMaxHops      int
	traceProbesPerHop int
	traceTimeout      time.Duration

	traceCmd = &cobra.Command{
		Use:     "trace <host>",
		Short:   "Run an ICMP traceroute to host",
		Example: "aitm trace example.com",
		Args:    cobra.ExactArgs(1),
		RunE:    runTrace,
	}
)

func init() {
	traceCmd.Flags().IntVar(&traceMaxHops, "max-hops", traceroute.DefaultMaxHops, "Maximum TTL to probe")
	traceCmd.Flags().IntVar(&traceProbesPerHop, "probes", traceroute.DefaultProbesPerHop, "Probes sent per hop")
	traceCmd.Flags().DurationVar(&traceTimeout, "timeout", traceroute.DefaultProbeTimeout, "Per-probe timeout")
	rootCmd.AddCommand(traceCmd)
}

func runTrace(cmd *cobra.Command, args []string) error {
	res, err := traceroute.Trace(args[0], traceroute.Options{
		MaxHops:      traceMaxHops,
		ProbesPerHop: traceProbesPerHop,
		Timeout:      traceTimeout,
	})
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}

	fmt.Printf("traceroute to %s (%s), %d hops max\n", res.TargetHost, res.ResolvedIP, traceMaxHops)
	for _, hop := range res.Hops {
		probes := ""
		for _, p := range hop.Probes {
			if p.Status == model.ProbeOK {
				probes += fmt.Sprintf("  %.2fms", p.RTTMs)
			} else {
				probes += fmt.Sprintf("  %s", p.Status)
			}
		}
		fmt.Printf("%2d  %s (%s)%s\n", hop.Hop, hop.Hostname, hop.IP, probes)
	}
	fmt.Printf("done in %s\n", res.Elapsed)
	return nil
}
