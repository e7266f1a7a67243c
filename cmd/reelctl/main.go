package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bobarin/reelsmith/internal/config"
	"github.com/bobarin/reelsmith/internal/db"
	"github.com/bobarin/reelsmith/internal/logging"
	"github.com/bobarin/reelsmith/internal/models"
	"github.com/bobarin/reelsmith/internal/queue"
	"github.com/bobarin/reelsmith/internal/stats"
)

type env struct {
	db     *db.DB
	queue  *queue.Queue
	logger zerolog.Logger
}

type envKey struct{}

func fromContext(ctx context.Context) *env {
	return ctx.Value(envKey{}).(*env)
}

var (
	productRef string
	jobID      string
	listLimit  int
	listStatus string
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "reelctl",
	Short:        "reelctl - operate the product reel pipeline",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.ValidateStore(); err != nil {
			return err
		}
		logger := logging.WithComponent(logging.Init(cfg.AppEnv), "reelctl")

		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if err := database.EnsureSchema(cmd.Context()); err != nil {
			database.Close()
			return err
		}
		q, err := queue.New(cfg.RedisURL, queue.Options{
			MaxAttempts:    cfg.MaxAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
			LockTTL:        cfg.JobLockTTL,
		})
		if err != nil {
			database.Close()
			return err
		}

		cmd.SetContext(context.WithValue(cmd.Context(), envKey{}, &env{db: database, queue: q, logger: logger}))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		e := fromContext(cmd.Context())
		e.queue.Close()
		return e.db.Close()
	},
}

func init() {
	submitCmd.Flags().StringVar(&productRef, "ref", "", "submit by catalogue reference instead of a product file")
	submitCmd.Flags().StringVar(&jobID, "job-id", "", "caller-chosen job id (defaults to a random UUID)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "number of jobs to show")
	listCmd.Flags().StringVar(&listStatus, "status", "", "only show jobs in this status")

	productCmd.AddCommand(productPutCmd)

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(productCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit [product.json]",
	Short: "Create a job and enqueue it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e := fromContext(cmd.Context())

		job := &models.Job{ID: uuid.NewString(), Status: models.JobStatusPending}
		if jobID != "" {
			if !models.ValidJobID(jobID) {
				return fmt.Errorf("job id %q must be at most %d characters without spaces or slashes", jobID, models.MaxJobIDLength)
			}
			job.ID = jobID
		}

		switch {
		case productRef != "" && len(args) == 1:
			return fmt.Errorf("pass either a product file or --ref, not both")
		case productRef != "":
			job.ProductRef = &productRef
		case len(args) == 1:
			p, err := readProduct(args[0])
			if err != nil {
				return err
			}
			job.ProductData = p
		default:
			return fmt.Errorf("a product file or --ref is required")
		}

		created, err := e.db.CreateJob(cmd.Context(), job)
		if err != nil {
			return err
		}
		if _, err := e.queue.Enqueue(cmd.Context(), job.ID); err != nil {
			return err
		}
		e.logger.Info().Str("job_id", job.ID).Bool("created", created).Msg("job submitted")
		fmt.Println(job.ID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Print a job's read model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e := fromContext(cmd.Context())
		job, err := e.db.GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job.StatusResponse())
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		e := fromContext(cmd.Context())
		status := models.JobStatus(listStatus)
		if status != "" && !status.Valid() {
			return fmt.Errorf("unknown status %q", listStatus)
		}
		jobs, err := e.db.ListJobs(cmd.Context(), listLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tUPDATED")
		for _, j := range jobs {
			if status != "" && j.Status != status {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%d%%\t%s\n", j.ID, j.Status, j.Progress, j.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth and capability counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		e := fromContext(cmd.Context())
		backlog, err := e.queue.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("queue: %d ready, %d in flight, %d awaiting retry (max %d attempts)\n\n",
			backlog.Ready, backlog.InFlight, backlog.Delayed, e.queue.MaxAttempts())

		counters, err := stats.NewRedis(e.queue.Client(), e.logger).All(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CAPABILITY\tATTEMPTS\tSUCCESSES\tFAILURES")
		for _, c := range counters {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", c.Capability, c.Attempts, c.Successes, c.Failures)
		}
		return tw.Flush()
	},
}

var productCmd = &cobra.Command{
	Use:   "product",
	Short: "Catalogue commands",
}

var productPutCmd = &cobra.Command{
	Use:   "put [ref] [product.json]",
	Short: "Store a catalogue entry jobs can reference",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e := fromContext(cmd.Context())
		p, err := readProduct(args[1])
		if err != nil {
			return err
		}
		if err := e.db.UpsertProduct(cmd.Context(), args[0], p); err != nil {
			return err
		}
		e.logger.Info().Str("ref", args[0]).Int("images", len(p.Images)).Msg("product stored")
		return nil
	},
}

func readProduct(path string) (*models.ProductData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read product: %w", err)
	}
	var p models.ProductData
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse product: %w", err)
	}
	if p.Title == "" || len(p.Images) == 0 {
		return nil, fmt.Errorf("product needs a title and at least one image")
	}
	p.Cutouts = nil
	p.BackgroundURL = ""
	p.AvatarURL = ""
	return &p, nil
}
