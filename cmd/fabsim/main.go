package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/fabsim/fabsim/pkg/config"
	"github.com/fabsim/fabsim/pkg/log"
	"github.com/fabsim/fabsim/pkg/simulation"
)

func main() {
	cmd := &cli.Command{
		Name:                  "fabsim",
		EnableShellCompletion: true,
		Usage:                 "Run discrete-event manufacturing simulations",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run a scenario file to its horizon and print the report",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "scenario",
						Aliases:  []string{"s"},
						Usage:    "Path to the scenario YAML file",
						Required: true,
						Sources:  cli.EnvVars("FABSIM_SCENARIO"),
					},
					&cli.StringFlag{
						Name:    "log-level",
						Usage:   "Log level (debug, info, warn, error)",
						Value:   "info",
						Sources: cli.EnvVars("LOG_LEVEL"),
					},
					&cli.IntFlag{
						Name:    "seed",
						Usage:   "Override the scenario's random seed",
						Value:   -1,
						Sources: cli.EnvVars("FABSIM_SEED"),
					},
				},
				Action: runScenario,
			},
			{
				Name:   "validate",
				Usage:  "Parse and validate a scenario file without running it",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "scenario", Aliases: []string{"s"}, Required: true}},
				Action: validateScenario,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runScenario(ctx context.Context, command *cli.Command) error {
	sc, err := config.Load(command.String("scenario"))
	if err != nil {
		return err
	}
	if command.String("log-level") != "" {
		sc.LogLevel = command.String("log-level")
	}
	if seed := command.Int("seed"); seed >= 0 {
		sc.Seed = seed
	}

	log.Setup(sc.LogLevel)
	logger := log.WithModule("fabsim")
	logger.InfoContext(ctx, "Loaded scenario", "name", sc.Name, "tasks", len(sc.Tasks), "horizon", sc.Horizon)

	s, err := simulation.FromScenario(sc, logger)
	if err != nil {
		return err
	}

	result, err := s.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Print(result.Report)
	if !result.Root.Success {
		return fmt.Errorf("run %s finished unsuccessfully: %s", result.RunID, result.Root.Error)
	}
	logger.InfoContext(ctx, "Run finished", "run_id", result.RunID, "ended_at", float64(result.EndedAt))
	return nil
}

func validateScenario(ctx context.Context, command *cli.Command) error {
	sc, err := config.Load(command.String("scenario"))
	if err != nil {
		return err
	}
	fmt.Printf("scenario %q is valid: %d tasks, %d behaviors, %d resources\n",
		sc.Name, len(sc.Tasks), len(sc.Behaviors), len(sc.Resources))
	return nil
}
