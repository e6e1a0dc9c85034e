package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/ocppgw/infra/logger"
	"github.com/kilianp07/ocppgw/simulator"
)

var simCfg simulator.Config

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Connect simulated charge points to a gateway",
	RunE:  runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simCfg.URL, "url", "ws://localhost:9000/ocpp/", "gateway endpoint without the station id")
	f.IntVar(&simCfg.Count, "count", 1, "number of charge points")
	f.StringVar(&simCfg.IDPrefix, "prefix", "cp", "station id prefix")
	f.StringVar(&simCfg.Subprotocol, "subprotocol", "ocpp1.6", "websocket subprotocol")
	f.DurationVar(&simCfg.HeartbeatInterval, "heartbeat", 0, "heartbeat interval")
	f.DurationVar(&simCfg.ReplyDelay, "reply-delay", 0, "delay before answering commands")
	f.Float64Var(&simCfg.DropRate, "drop-rate", 0, "probability of leaving a command unanswered")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg := simCfg
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	log := logger.New("simulator")
	cps := simulator.GenerateFleet(cfg, log)
	log.Infof("starting %d charge points against %s", len(cps), cfg.URL)
	if errs := simulator.RunFleet(ctx, cps); len(errs) > 0 {
		return fmt.Errorf("%d of %d charge points failed", len(errs), len(cps))
	}
	return nil
}
