package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opentalon/tenancy-assistant/internal/config"
	"github.com/opentalon/tenancy-assistant/internal/httpapi"
	"github.com/opentalon/tenancy-assistant/internal/orchestrator"
	"github.com/opentalon/tenancy-assistant/internal/scheduler"
	"github.com/opentalon/tenancy-assistant/internal/state"
	"github.com/opentalon/tenancy-assistant/internal/toolserver"
	"github.com/opentalon/tenancy-assistant/internal/version"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	config.LoadDotEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(stdin, stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", describe(err))
		return 1
	}
	return 0
}

// describe turns a failure into the one-line message shown to the user.
func describe(err error) string {
	var oe *orchestrator.OrchestrationError
	switch {
	case errors.As(err, &oe):
		return fmt.Sprintf("no answer: the model did not finish within %d rounds", oe.Limit)
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return err.Error()
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	var toolServer string

	root := &cobra.Command{
		Use:           "tenancy-assistant <question>",
		Short:         "Answer questions about a cloud tenancy's public IPs and costs",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return errors.New("a question is required, for example: tenancy-assistant \"How many public IPs do I have?\"")
			}
			return runAsk(cmd.Context(), stdout, question, toolServer)
		},
	}
	root.Flags().StringVar(&toolServer, "tool-server", "", "use a remote tool server (unix:/path or tcp:host:port)")

	root.AddCommand(newServeCmd(stdin, stdout), newHistoryCmd(stdout), newVersionCmd(stdout))
	return root
}

func runAsk(ctx context.Context, stdout io.Writer, question, toolServer string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	tools, err := a.tools(ctx, toolServer)
	if err != nil {
		return err
	}
	hist, err := a.history()
	if err != nil {
		return err
	}
	orch, err := a.orchestrator(tools, hist)
	if err != nil {
		return err
	}

	res, err := orch.Run(ctx, question)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, res.Answer)
	return err
}

func newServeCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	var (
		stdio    bool
		listen   string
		httpAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tenancy tools over JSON-RPC and, optionally, the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !stdio && listen == "" && httpAddr == "" {
				return errors.New("serve: one of --stdio, --listen or --http is required")
			}
			return runServe(cmd.Context(), stdin, stdout, stdio, listen, httpAddr)
		},
	}
	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve newline-delimited JSON-RPC on stdin/stdout")
	cmd.Flags().StringVar(&listen, "listen", "", "serve JSON-RPC on unix:/path or tcp:host:port")
	cmd.Flags().StringVar(&httpAddr, "http", "", "serve the HTTP API on this address, e.g. :8080")
	return cmd
}

func runServe(ctx context.Context, stdin io.Reader, stdout io.Writer, stdio bool, listen, httpAddr string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	server, err := a.toolServer(ctx)
	if err != nil {
		return err
	}

	var warmer *scheduler.Scheduler
	if a.rt.WarmSchedule != "" {
		if gap, err := scheduler.MinInterval(a.rt.WarmSchedule, time.Now()); err == nil && gap < a.rt.CacheTTL {
			a.logger.Warn().
				Str("schedule", a.rt.WarmSchedule).
				Dur("interval", gap).
				Dur("cache_ttl", a.rt.CacheTTL).
				Msg("warm interval is shorter than the cache TTL; runs while a snapshot is live are cache hits")
		}
		warmer = scheduler.New(server, scheduler.WithLogger(a.logger), scheduler.WithTimeout(a.rt.ToolTimeout))
		for _, job := range scheduler.WarmJobs(a.rt.WarmSchedule, a.rt.WarmCompartments) {
			if err := warmer.Add(job); err != nil {
				return &config.ConfigError{Key: "TENANCY_WARM_SCHEDULE", Err: err}
			}
		}
		warmer.Start()
		defer warmer.Stop()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if stdio {
		g.Go(func() error {
			// End of input ends the process.
			defer cancel()
			return server.ServeLines(gctx, stdin, stdout)
		})
	}
	if listen != "" {
		ln, err := toolserver.Listen(listen)
		if err != nil {
			return err
		}
		a.logger.Info().Str("endpoint", listen).Msg("tool server listening")
		g.Go(func() error { return server.Serve(gctx, ln) })
	}
	if httpAddr != "" {
		api, err := a.httpAPI(server, warmer)
		if err != nil {
			return err
		}
		g.Go(func() error { return api.Serve(gctx, httpAddr) })
	}
	return g.Wait()
}

// memoryHistoryLimit bounds the in-process history kept by serve --http
// when no data directory is configured.
const memoryHistoryLimit = 200

// httpAPI builds the dashboard API. Question answering is enabled only when
// the backend is configured.
func (a *app) httpAPI(server *toolserver.Server, warmer *scheduler.Scheduler) (*httpapi.API, error) {
	hist, err := a.history()
	if err != nil {
		return nil, err
	}
	if hist == nil {
		hist = state.NewMemoryLog(memoryHistoryLimit)
	}
	opts := []httpapi.Option{
		httpapi.WithLogger(a.logger),
		httpapi.WithHistory(hist),
		httpapi.WithSnapshots(server),
	}
	if warmer != nil {
		opts = append(opts, httpapi.WithJobs(warmer))
	}
	orch, err := a.orchestrator(server, hist)
	if err != nil {
		var ce *config.ConfigError
		if !errors.As(err, &ce) {
			return nil, err
		}
		a.logger.Warn().Err(err).Msg("backend not configured; /api/ask disabled")
	} else {
		opts = append(opts, httpapi.WithAsker(orch))
	}
	return httpapi.New(server, opts...), nil
}

func newHistoryCmd(stdout io.Writer) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently answered questions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			hist, err := a.history()
			if err != nil {
				return err
			}
			if hist == nil {
				return &config.ConfigError{Key: "TENANCY_DATA_DIR", Err: errors.New("history needs a data directory")}
			}
			items, err := hist.Recent(cmd.Context(), n)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSTATUS\tROUNDS\tQUESTION")
			for _, t := range items {
				status := "ok"
				if t.Failed() {
					status = "failed"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.CreatedAt.Local().Format(time.DateTime), status, t.Rounds, t.Question)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 10, "number of entries to show")
	return cmd
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(stdout, version.Get())
		},
	}
}
