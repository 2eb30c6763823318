package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relayforge/aitm/decode"
	"github.com/relayforge/aitm/detector"
	"github.com/relayforge/aitm/eventsink"
	"github.com/relayforge/aitm/inventory"
	"github.com/relayforge/aitm/session"
)

var (
	attackIface      string
	attackHelperPath string
	attackTargets    []string
	attackQueueCap   int
	attackSQLiteFile string

	attackCmd = &cobra.Command{
		Use:     "attack",
		Short:   "Poison and sniff selected targets until interrupted",
		Example: "aitm attack -i eth0 --target 0 --target 1",
		RunE:    runAttack,
	}
)

func init() {
	attackCmd.Flags().StringVarP(&attackIface, "interface", "i", "",
		"Name of the network interface to use")
	attackCmd.Flags().StringVar(&attackHelperPath, "helper", "mna-scan",
		"Path to the host-discovery helper binary")
	attackCmd.Flags().StringArrayVar(&attackTargets, "target", nil,
		"Index of a device from the scan result to poison (repeatable)")
	attackCmd.Flags().IntVar(&attackQueueCap, "queue-capacity", 1024,
		"Bounded capacity of the captured-frame queue")
	attackCmd.Flags().StringVar(&attackSQLiteFile, "sqlite-file", "",
		"Optional sqlite file to additionally persist events to")
	if err := attackCmd.MarkFlagRequired("interface"); err != nil {
		fmt.Println("interface is required")
		os.Exit(1)
	}
	rootCmd.AddCommand(attackCmd)
}

func runAttack(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	targetIndices, err := parseTargetIndices(attackTargets)
	if err != nil {
		return err
	}

	adapter := inventory.NewAdapter(attackHelperPath, nil, log)
	scan, err := adapter.Scan(context.Background())
	if err != nil {
		return fmt.Errorf("attack: scanning for targets: %w", err)
	}
	if attackIface == "" {
		attackIface = scan.Interface
	}

	sinks := []eventsink.Sink{eventsink.NewZapSink(log)}
	if attackSQLiteFile != "" {
		sqliteSink, err := eventsink.NewSQLiteSink(attackSQLiteFile, log)
		if err != nil {
			return fmt.Errorf("attack: opening sqlite sink: %w", err)
		}
		defer sqliteSink.Close()
		sinks = append(sinks, sqliteSink)
	}
	sink := eventsink.NewMultiSink(sinks...)

	det, err := detector.New(log)
	if err != nil {
		return fmt.Errorf("attack: constructing detector: %w", err)
	}

	coord := session.NewCoordinator(log)
	sess, err := coord.Start(context.Background(), attackIface, scan, targetIndices, attackQueueCap,
		func(e session.Event) { sink.SessionEvent(e) })
	if err != nil {
		return fmt.Errorf("attack: starting session: %w", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// The queue's channel is never closed (it outlives the sniffer by
	// design, so a late Stop can't race a consumer send); this consumer
	// goroutine is left running and exits with the process on return.
	go func() {
		for frame := range sess.Sniffer().Queue().Recv() {
			sink.CapturedFrame(frame)
			tree := decode.Decode(frame.Raw)
			for _, layer := range tree.Layers {
				for _, alert := range det.Observe(layer) {
					sink.Alert(alert)
				}
			}
		}
	}()

	<-stop
	outcome := sess.Stop(5 * time.Second)
	log.Info("attack stopped", zap.String("outcome", outcome.String()))
	return nil
}

func parseTargetIndices(raw []string) ([]int, error) {
	out := make([]int, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		idx, err := strconv.Atoi(r)
		if err != nil {
			return nil, fmt.Errorf("invalid target index %q: %w", r, err)
		}
		out = append(out, idx)
	}
	return out, nil
}
