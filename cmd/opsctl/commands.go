package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/turfline/backend/internal/auth"
	"github.com/turfline/backend/internal/config"
	"github.com/turfline/backend/internal/dispatch"
	"github.com/turfline/backend/internal/seed"
	"github.com/turfline/backend/internal/service"
)

// --- migrate ---

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
		return nil
	},
}

// --- seed ---

var seedCmd = &cobra.Command{
	Use:   "seed <fixture.yaml>",
	Short: "Load businesses, users and crews from a YAML fixture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fixture, err := seed.Load(args[0])
		if err != nil {
			return err
		}
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()
		n, err := seed.Apply(cmd.Context(), store, fixture)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d businesses, %d users, %d crews\n", n.Businesses, n.Users, n.Crews)
		return nil
	},
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an operator bearer token",
	Long: `Mint an operator bearer token signed with JWT_SECRET.

Examples:
  opsctl token --user u-owner --business biz-1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		business, _ := cmd.Flags().GetString("business")
		if user == "" || business == "" {
			return fmt.Errorf("--user and --business are required")
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required")
		}
		tok, err := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL).Issue(user, business)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

// --- simulate ---

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Rank crews and dates for a job request",
	Long: `Run a simulation for a job request and print the ranking.

Examples:
  opsctl simulate --business biz-1 --job 6f1c...
  opsctl simulate --business biz-1 --job 6f1c... --days 14 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		business, _ := cmd.Flags().GetString("business")
		job, _ := cmd.Flags().GetString("job")
		days, _ := cmd.Flags().GetInt("days")
		asJSON, _ := cmd.Flags().GetBool("json")
		if business == "" || job == "" {
			return fmt.Errorf("--business and --job are required")
		}

		store, cfg, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		defaults := service.SimulationConfig{
			DateRangeDays:        cfg.SimDateRangeDays,
			SkillMatchMinPct:     cfg.SkillMatchMinPct,
			EquipmentMatchMinPct: cfg.EquipmentMatchMinPct,
			PersistTopN:          cfg.SimPersistTopN,
			ReturnTopN:           cfg.SimReturnTopN,
		}
		if days > 0 {
			defaults.DateRangeDays = days
		}
		sim := &service.SimulationService{
			Store:       store,
			Travel:      dispatch.HaversineEstimator{AvgSpeedMPH: cfg.AvgSpeedMPH},
			Weights:     dispatch.DefaultWeights(),
			Defaults:    defaults,
			Concurrency: cfg.SimConcurrency,
			Logger:      cliLogger(cfg),
		}
		res, err := sim.RunSimulations(cmd.Context(), business, job, defaults)
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		printRanking(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "user id")
	tokenCmd.Flags().String("business", "", "business id")

	simulateCmd.Flags().String("business", "", "business id")
	simulateCmd.Flags().String("job", "", "job request id")
	simulateCmd.Flags().Int("days", 0, "date range override")
	simulateCmd.Flags().Bool("json", false, "print the full result as JSON")
}

func printRanking(w io.Writer, res service.SimulationResult) {
	if len(res.Simulations) == 0 {
		reason := res.ReasonCode
		if reason == "" {
			reason = "no feasible candidates"
		}
		fmt.Fprintf(w, "no candidates (%s)\n", reason)
		for crew, reasons := range res.Excluded {
			fmt.Fprintf(w, "  %s: %v\n", crew, reasons)
		}
		return
	}
	fmt.Fprintf(w, "run %s: %d generated, %d persisted\n", res.RunID, res.CandidatesGenerated, res.CandidatesPersisted)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tCREW\tDATE\tSTART\tMILES\tMARGIN\tRISK\tSCORE\tID")
	for _, c := range res.Simulations {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%02d:%02d\t%.1f\t%.2f\t%s\t%.4f\t%s\n",
			c.Rank, c.CrewID, c.Date, c.StartMinute/60, c.StartMinute%60,
			c.TravelMiles, c.MarginScore, c.MarginRisk, c.CompositeScore, c.ID)
	}
	_ = tw.Flush()
}
