package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"hellafresh/internal/app"
	"hellafresh/internal/config"
	"hellafresh/internal/db"
	"hellafresh/internal/domain"
	"hellafresh/internal/engine"
	"hellafresh/internal/repo"
	"hellafresh/internal/server"
	"hellafresh/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "hf",
	Short: "HellaFresh CLI",
	Long: `HellaFresh collects new slang, puts every word in front of reviewers and
mints the approved ones on the ledger.
- Workspace: a directory holding hellafresh.db and an optional hellafresh.yml.
- Words: pending -> under_review -> approved -> minted, or rejected.
- Votes: one current decision per reviewer; re-voting replaces the old one.
- Quorum: the most recent distinct reviewer decisions that settle a word.
- Mint queue: approved words are handed to the ledger with retries.
- Event log: every change, view with 'hf log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HELLAFRESH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("reviewer-id", "local-user", "reviewer identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("reviewer-id", rootCmd.PersistentFlags().Lookup("reviewer-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(wordCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(mintCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- words ---

func wordCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "word", Short: "Submit and browse words"}
	cmd.AddCommand(wordSubmitCmd())
	cmd.AddCommand(wordShowCmd())
	cmd.AddCommand(wordListCmd())
	cmd.AddCommand(wordSearchCmd())
	return cmd
}

func wordSubmitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	cmd := &cobra.Command{
		Use:   "submit <text>",
		Short: "Submit a word for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Text = args[0]
			opts.ActorID = viper.GetString("reviewer-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Submit(ctx, opts)
				if err != nil {
					return err
				}
				return printWord(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Definition, "definition", "", "what the word means")
	cmd.Flags().StringVar(&opts.UsageExample, "example", "", "usage example")
	cmd.Flags().StringVar(&opts.Origin, "origin", "", "where the word was heard")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("definition")
	return cmd
}

func wordShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <word-id>",
		Short: "Show a word",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.GetWord(ctx, args[0])
				if err != nil {
					return err
				}
				return printWord(w)
			})
		},
	}
}

func wordListCmd() *cobra.Command {
	var statuses []string
	var f repo.WordFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List words, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				st, err := domain.ParseStatus(s)
				if err != nil {
					return err
				}
				f.Statuses = append(f.Statuses, st)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				words, err := e.ListWords(ctx, f)
				if err != nil {
					return err
				}
				return printWords(words)
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&f.Tag, "tag", "", "tag filter")
	cmd.Flags().StringVar(&f.SubmittedBy, "submitted-by", "", "submitter filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func wordSearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search words by text, definition or tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				words, err := e.SearchWords(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printWords(words)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max results")
	return cmd
}

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "review", Short: "Reviewer tools"}
	var limit int
	queue := &cobra.Command{
		Use:   "queue",
		Short: "Words awaiting review, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				words, err := e.ReviewQueue(ctx, limit)
				if err != nil {
					return err
				}
				return printWords(words)
			})
		},
	}
	queue.Flags().IntVar(&limit, "limit", 20, "max results")
	cmd.AddCommand(queue)
	return cmd
}

// --- votes ---

func voteCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "vote", Short: "Cast and inspect votes"}
	cmd.AddCommand(voteCastCmd())
	cmd.AddCommand(voteListCmd())
	cmd.AddCommand(voteHistoryCmd())
	return cmd
}

func voteCastCmd() *cobra.Command {
	var rationale string
	cmd := &cobra.Command{
		Use:   "cast <word-id> <approve|reject>",
		Short: "Cast or replace your vote",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := domain.ParseDecision(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Vote(ctx, engine.VoteOptions{
					WordID:     args[0],
					ReviewerID: viper.GetString("reviewer-id"),
					Decision:   decision,
					Rationale:  rationale,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Vote recorded: %s %s (seq %d)\n", res.Vote.ReviewerID, res.Vote.Decision, res.Vote.Seq)
				fmt.Printf("Tally: %d approve / %d reject of %d required\n", res.Tally.Approve, res.Tally.Reject, res.Tally.Required)
				fmt.Printf("Word %s is %s\n", res.Word.ID, res.Word.Status.Label())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rationale, "rationale", "", "why")
	return cmd
}

func voteListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <word-id>",
		Short: "Current votes and resolution for a word",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summary, err := e.VotesFor(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				printVotes(summary.Votes)
				fmt.Printf("Resolution: %s (%d/%d counted)\n", summary.Resolution, summary.Tally.Counted, summary.Tally.Required)
				return nil
			})
		},
	}
}

func voteHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <word-id>",
		Short: "Every vote ever cast on a word",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				votes, err := e.VoteHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(votes)
				}
				printVotes(votes)
				return nil
			})
		},
	}
}

// --- mint ---

func mintCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mint", Short: "Inspect and drive the mint queue"}
	cmd.AddCommand(mintJobsCmd())
	cmd.AddCommand(mintRunCmd())
	cmd.AddCommand(mintRetryCmd())
	return cmd
}

func mintJobsCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List mint jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jobs, err := e.MintJobs(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Word", "Status", "Attempts", "Next attempt", "Last error"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.WordID, j.Status, j.AttemptCount, j.NextAttemptAt, j.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "job status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func mintRunCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process due mint jobs once, or keep polling with --watch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()
			minter, err := ws.NewMinter()
			if err != nil {
				return err
			}
			if watch {
				return minter.Run(ctx)
			}
			n, err := minter.ProcessDue(ctx)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]int{"processed": n})
			}
			fmt.Printf("Processed %d mint job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep polling until interrupted")
	return cmd
}

func mintRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <word-id>",
		Short: "Requeue the mint hand-off of an approved word",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.RequeueMint(ctx, args[0], viper.GetString("reviewer-id"))
				if err != nil {
					return err
				}
				return printWord(w)
			})
		},
	}
}

// --- log, config, token, status ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	var f repo.EventFilter
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.EventLog(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Word", "Actor"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.WordID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.WordID, "word-id", "", "word filter")
	cmd.AddCommand(tail)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default hellafresh.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	cmd.AddCommand(initCmd, show)
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <reviewer-id>",
		Short: "Issue a reviewer bearer token signed with server.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			token, err := server.IssueToken(cfg.Server.JWTSecret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Word and mint queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Quorum: %d (ties: %s)\n", report.Quorum, report.Tie)
				fmt.Println("Words:")
				for _, s := range domain.Statuses {
					fmt.Printf("  %s: %d\n", s.Label(), report.Words[string(s)])
				}
				fmt.Println("Mint jobs:")
				for status, c := range report.MintJobs {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noMinter bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the mint worker and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.Setup(ctx, "hellafresh")
			if err != nil {
				return fmt.Errorf("tracing: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(sctx)
			}()

			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()
			cfg := ws.Config
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:      ws.Engine,
				BasePath:    basePath,
				Auth:        server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
				Logger:      ws.Engine.Logger,
				CORSOrigins: cfg.Server.CORSOrigins,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			if !noMinter {
				minter, err := ws.NewMinter()
				if err != nil {
					return err
				}
				g.Go(func() error { return minter.Run(gctx) })
			}
			if len(cfg.Webhooks) > 0 {
				dispatcher := server.NewWebhookDispatcher(ws.Engine, cfg.Webhooks)
				g.Go(func() error { return dispatcher.Run(gctx) })
			}
			if cfg.Server.JWTSecret == "" {
				ws.Engine.Logger.Warn("no jwt secret configured; reviewer identity is taken from the X-Reviewer-Id header",
					"event", "auth_header_mode",
					"module", "cli",
					"layer", "entrypoint",
				)
			}
			fmt.Printf("Serving HellaFresh API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noMinter, "no-minter", false, "do not run the mint worker in this process")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openWorkspace(ctx context.Context) (*app.Workspace, error) {
	return app.Open(ctx, viper.GetString("workspace"), newLogger())
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func printWord(w domain.Word) error {
	if viper.GetBool("json") {
		return printJSON(w)
	}
	fmt.Printf("%s  %s [%s]\n", w.ID, w.Text, w.Status.Label())
	fmt.Printf("  %s\n", w.Definition)
	if w.UsageExample != "" {
		fmt.Printf("  e.g. %q\n", w.UsageExample)
	}
	if len(w.Tags) > 0 {
		fmt.Printf("  tags: %s\n", strings.Join(w.Tags, ", "))
	}
	if w.MintReference != "" {
		fmt.Printf("  minted: %s\n", w.MintReference)
	}
	if w.MintFlag != "" {
		fmt.Printf("  mint: %s %s\n", w.MintFlag, w.MintError)
	}
	return nil
}

func printWords(words []domain.Word) error {
	if viper.GetBool("json") {
		return printJSON(words)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Text", "Status", "Tags", "Submitted"})
	for _, w := range words {
		tw.AppendRow(table.Row{w.ID, w.Text, w.Status.Label(), strings.Join(w.Tags, ","), w.CreatedAt})
	}
	tw.Render()
	return nil
}

func printVotes(votes []domain.Vote) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Seq", "Reviewer", "Decision", "Cast at", "Rationale"})
	for _, v := range votes {
		tw.AppendRow(table.Row{v.Seq, v.ReviewerID, v.Decision, v.CastAt, v.Rationale})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
