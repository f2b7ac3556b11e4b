package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/suPer8Hu/genstudio/internal/auth"
	"github.com/suPer8Hu/genstudio/internal/config"
	"github.com/suPer8Hu/genstudio/internal/db"
	"github.com/suPer8Hu/genstudio/internal/dispatch"
	"github.com/suPer8Hu/genstudio/internal/generation"
	"github.com/suPer8Hu/genstudio/internal/logger"
	"github.com/suPer8Hu/genstudio/internal/moderation"
	"github.com/suPer8Hu/genstudio/internal/store/rabbitmq"
)

// newDispatcher is replaced in tests.
var newDispatcher = func(cfg config.Config) (dispatch.Dispatcher, error) {
	if cfg.Dispatch == "memory" {
		return nil, fmt.Errorf("requeue needs a shared queue; DISPATCH=memory only lives inside the api process")
	}
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

type app struct {
	cfg     config.Config
	log     zerolog.Logger
	repo    *generation.Repo
	reviews *generation.ReviewQueue
	close   func()
}

func openApp() (*app, error) {
	cfg := config.Load()
	log := logger.New("production", "genctl").Level(zerolog.WarnLevel)

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}

	repo := generation.NewRepo(gdb)
	return &app{
		cfg:     cfg,
		log:     log,
		repo:    repo,
		reviews: generation.NewReviewQueue(repo, log),
		close:   func() { _ = sqlDB.Close() },
	}, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "genctl",
		Short:         "Operate the generation job store and moderation queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("json", false, "print raw JSON")

	root.AddCommand(
		queueCmd(),
		getCmd(),
		reviewCmd(),
		reviewsCmd(),
		requeueCmd(),
		tokenCmd(),
	)
	return root
}

// --- queue ---

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List jobs awaiting moderation (queued and flagged), oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			jobs, err := a.reviews.ListPending(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), jobs)
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().Int("limit", generation.DefaultPendingLimit, "max jobs to list")
	return cmd
}

// --- get ---

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			job, err := a.repo.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), job)
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

// --- review ---

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review <job-id>",
		Short: "Record a moderation decision",
		Long: `Record a moderation decision and apply it to the job.

Examples:
  genctl review 01HX... --action block --reviewer 1 --notes "confirmed"
  genctl review 01HX... --action allow --tags soft --reviewer 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, _ := cmd.Flags().GetString("action")
			tagsStr, _ := cmd.Flags().GetString("tags")
			reviewer, _ := cmd.Flags().GetUint64("reviewer")

			in := generation.ReviewInput{Action: action}
			if tagsStr != "" {
				for _, t := range strings.Split(tagsStr, ",") {
					in.Tags = append(in.Tags, strings.TrimSpace(t))
				}
			}
			if cmd.Flags().Changed("notes") {
				notes, _ := cmd.Flags().GetString("notes")
				in.Notes = &notes
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			rev, job, err := a.reviews.SubmitReview(cmd.Context(), args[0], reviewer, in)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]any{"review": rev, "generation": job})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "review %s recorded: %s -> %s\n", rev.ID, rev.Action, job.Status)
			return nil
		},
	}
	cmd.Flags().String("action", "", "allow | flag | block")
	cmd.Flags().String("tags", "", "comma-separated tags (explicit,soft,fetish)")
	cmd.Flags().String("notes", "", "free-form reviewer notes")
	cmd.Flags().Uint64("reviewer", 0, "reviewer user id")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

// --- reviews ---

func reviewsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reviews <job-id>",
		Short: "Show the review history of a job, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			revs, err := a.reviews.ListReviews(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), revs)
			}
			printReviews(cmd.OutOrStdout(), revs)
			return nil
		},
	}
}

// --- requeue ---

func requeueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Re-enqueue jobs stuck in queued",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			q, err := newDispatcher(a.cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			svc := generation.NewService(a.repo, nil, nil, moderation.NewClassifier(moderation.DefaultCorpus()), q, a.cfg.JobTimeout, a.log)
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			n, err := svc.RequeueStale(ctx, olderThan, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 5*time.Minute, "only jobs queued longer than this")
	cmd.Flags().Int("limit", 100, "max jobs to requeue")
	return cmd
}

// --- token ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, _ := cmd.Flags().GetUint64("user")
			admin, _ := cmd.Flags().GetBool("admin")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if uid == 0 {
				return fmt.Errorf("--user is required")
			}

			tok, err := auth.SignJWT(uid, admin, config.Load().JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Uint64("user", 0, "user id (sub claim)")
	cmd.Flags().Bool("admin", false, "grant admin")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	return cmd
}
