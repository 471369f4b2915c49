package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtharp/bridgebid/appconfig"
	"github.com/mtharp/bridgebid/chunk"
	"github.com/mtharp/bridgebid/engine"
	"github.com/mtharp/bridgebid/gann"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:          "bidtrain",
		Short:        "Self-play trainer for bridge bidding",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (toml, yaml or json)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.AddCommand(trainCmd(), evalCmd(), resumeCmd())
	if err := root.Execute(); err != nil {
		log.Fatalln("error:", err)
	}
}

func trainCmd() *cobra.Command {
	var episode int
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train from the latest checkpoint until max_episodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			obs, closeObs, err := setupObservers(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeObs()
			eng, err := newEngine(cfg, chunk.Store{Template: cfg.ChunkTemplate()}, obs)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("episode") {
				return eng.RunEpisode(ctx, episode)
			}
			return eng.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&episode, "episode", 0, "train only this episode, from step 0")
	return cmd
}

func evalCmd() *cobra.Command {
	var chunkIdx int
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Score the latest checkpoint on a held-out chunk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			obs, closeObs, err := setupObservers(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeObs()
			eng, err := newEngine(cfg, chunk.Store{Template: cfg.ChunkTemplate()}, obs)
			if err != nil {
				return err
			}
			rep, err := eng.Evaluate(ctx, chunk.Store{Template: cfg.EvalChunkTemplate()}, chunkIdx)
			if err != nil {
				return err
			}
			fmt.Printf("%.6f\n", rep.Score)
			return nil
		},
	}
	cmd.Flags().IntVar(&chunkIdx, "chunk", 0, "held-out chunk index")
	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume-point",
		Short: "Print where training would resume",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgFile)
			if err != nil {
				return err
			}
			eng, err := newEngine(cfg, chunk.Store{Template: cfg.ChunkTemplate()}, nil)
			if err != nil {
				return err
			}
			episode, step, _ := eng.ResumePoint()
			fmt.Printf("episode %d step %d\n", episode, step)
			return nil
		},
	}
}

func newEngine(cfg *appconfig.Config, src chunk.Store, obs engine.Observers) (*engine.Engine, error) {
	eng, err := engine.New(cfg, src, gann.NewBackend(cfg.Model), obs...)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"run_id": eng.RunID(), "checkpoints": cfg.CheckpointRoot()}).Info("engine ready")
	return eng, nil
}
