package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"
	"runtime/debug"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
	"golang.org/x/sync/errgroup"

	"evlogai/internal/api"
	"evlogai/internal/callback"
	"evlogai/internal/collector"
	"evlogai/internal/config"
	"evlogai/internal/model"
	"evlogai/internal/orchestrator"
	"evlogai/internal/render"
	"evlogai/internal/sanitizer"
	"evlogai/internal/store"
	"evlogai/internal/summarizer"
)

const (
	progressInterval = 30 * time.Second
	releaseWait      = 5 * time.Second
)

var (
	flagTitle       string
	flagCategory    string
	flagCount       int
	flagDescription string
	flagNoBrowser   bool
)

func init() {
	runCmd.Flags().StringVar(&flagTitle, "title", "", "short title of the issue")
	runCmd.Flags().StringVar(&flagCategory, "category", "", "log category label or channel name (see 'evlogai categories')")
	runCmd.Flags().IntVar(&flagCount, "count", 0, "number of most recent events to extract (default from config)")
	runCmd.Flags().StringVar(&flagDescription, "description", "", "description of the issue for the analysis")
	runCmd.Flags().BoolVar(&flagNoBrowser, "no-browser", false, "do not open the analysis in a browser")
	_ = runCmd.MarkFlagRequired("title")
	_ = runCmd.MarkFlagRequired("category")
	_ = runCmd.MarkFlagRequired("description")

	extractCmd.Flags().StringVar(&flagCategory, "category", "", "log category label or channel name")
	extractCmd.Flags().IntVar(&flagCount, "count", 0, "number of most recent events to extract (default from config)")
	_ = extractCmd.MarkFlagRequired("category")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "extract events, dispatch them for analysis and wait for the result",
	RunE:  doRun,
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "extract events and print them as JSON",
	RunE:  doExtract,
}

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "list the known log categories",
	Run: func(cmd *cobra.Command, args []string) {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LABEL\tCHANNEL")
		for _, c := range model.Categories() {
			fmt.Fprintf(w, "%s\t%s\n", c.Label, c.Channel)
		}
		_ = w.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the evlogai version",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("evlogai: version info not available")
			return
		}
		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("evlogai: %s\n", version())
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			}
		}
	},
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

func printBanner() {
	b := banner.New().SetStyle(banner.StyleDouble).SetWidth(64)
	b.PrintTopLine()
	b.PrintCenteredText("EvLogAI")
	b.PrintCenteredText("Windows event log analysis")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version(), 8)
	if configPath != "" {
		b.PrintKeyValue("Config", configPath, 8)
	}
	b.PrintBottomLine()
}

// runInput is one analysis request as given on the command line.
type runInput struct {
	Title       string `flag:"title" validate:"required"`
	Category    string `flag:"category" validate:"required"`
	Description string `flag:"description" validate:"required"`
	Count       int    `flag:"count" validate:"gt=0"`
}

// newRunInput trims the text fields and applies defaultCount when count is zero.
func newRunInput(title, category, description string, count, defaultCount int) (runInput, error) {
	in := runInput{
		Title:       strings.TrimSpace(title),
		Category:    strings.TrimSpace(category),
		Description: strings.TrimSpace(description),
		Count:       count,
	}
	if in.Count == 0 {
		in.Count = defaultCount
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string { return f.Tag.Get("flag") })
	err := v.Struct(in)
	if err == nil {
		return in, nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return runInput{}, err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("--%s must not be blank", fe.Field()))
		case "gt":
			msgs = append(msgs, fmt.Sprintf("--%s must be a positive number", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("--%s is invalid (%s)", fe.Field(), fe.Tag()))
		}
	}
	return runInput{}, fmt.Errorf("invalid input: %s", strings.Join(msgs, "; "))
}

func callbackConfig(c *config.Config) callback.Config {
	return callback.Config{
		Addr:         c.ListenAddr(),
		GracePeriod:  c.Callback.Grace(),
		MaxBodyBytes: c.Callback.MaxBodyBytes,
	}
}

// runner carries one invocation's collaborators.
type runner struct {
	cfg        *config.Config
	logger     arbor.ILogger
	source     collector.Source
	reports    *store.Reports
	dispatcher orchestrator.Dispatcher
	renderer   orchestrator.Renderer
	out        io.Writer // status lines for the user
}

func (r *runner) extract(ctx context.Context, category string, count int) (model.Category, []model.LogRecord, error) {
	cat, err := model.LookupCategory(category)
	if err != nil {
		return model.Category{}, nil, err
	}
	reader := collector.NewReader(r.source, collector.Options{MaxMessageLen: r.cfg.Extract.MaxMessageLen}, r.logger)
	records, err := reader.Extract(ctx, cat.Channel, count)
	if err != nil {
		return cat, nil, err
	}
	r.logger.Info().
		Str("category", cat.Label).
		Str("channel", cat.Channel).
		Int("requested", count).
		Int("extracted", len(records)).
		Msg("Events extracted")
	return cat, records, nil
}

// run performs one round trip. An empty extraction stops before the report
// is written or anything is dispatched.
func (r *runner) run(ctx context.Context, in runInput) error {
	cat, records, err := r.extract(ctx, in.Category, in.Count)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		r.logger.Warn().Str("channel", cat.Channel).Msg("No events found; nothing dispatched")
		fmt.Fprintf(r.out, "No events found in %s (%s); nothing to analyze\n", cat.Label, cat.Channel)
		return nil
	}

	ref, err := r.reports.Write(in.Title, cat.Label, cat.Channel, in.Description, records, in.Count)
	if err != nil {
		return err
	}
	r.logger.Info().Str("path", ref.Filepath).Msg("Report written")

	outbound := records
	if r.cfg.Dispatch.MaskSensitive {
		outbound = sanitizer.MaskRecords(records)
	}
	job := summarizer.BuildJob(in.Title, cat.Label, cat.Channel, in.Description, outbound, in.Count, r.cfg.CallbackURL(), ref)

	orch := orchestrator.New(
		orchestrator.Deps{Dispatcher: r.dispatcher, Renderer: r.renderer},
		orchestrator.Options{
			Listener:    callbackConfig(r.cfg),
			WaitTimeout: r.cfg.Callback.Wait(),
		},
		r.logger,
	)

	req, err := orch.Start(ctx, job)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Job %s started; the analysis will be delivered to %s (Ctrl+C to cancel)\n", job.ID, job.CallbackURL)

	var g errgroup.Group
	g.Go(func() error {
		<-req.Done()
		return req.Err()
	})
	g.Go(func() error {
		tick := time.NewTicker(progressInterval)
		defer tick.Stop()
		started := time.Now()
		for {
			select {
			case <-req.Done():
				return nil
			case <-tick.C:
				r.logger.Info().
					Str("job_id", job.ID).
					Str("status", req.Status().String()).
					Str("elapsed", time.Since(started).Round(time.Second).String()).
					Msg("Still waiting for the analysis")
			}
		}
	})
	err = g.Wait()

	select {
	case <-req.Released():
	case <-time.After(releaseWait):
		r.logger.Warn().Msg("Callback listener did not shut down in time")
	}

	if err != nil {
		return fmt.Errorf("round trip %s: %w", req.Status(), err)
	}
	r.logger.Info().Str("job_id", job.ID).Msg("Analysis rendered")
	return nil
}

func doExtract(cmd *cobra.Command, _ []string) error {
	count := flagCount
	if count == 0 {
		count = cfg.Extract.DefaultCount
	}
	r := &runner{
		cfg:    cfg,
		logger: logger,
		source: collector.NewSource(cfg.Extract.Backend, cfg.Extract.BatchSize),
	}
	_, records, err := r.extract(cmd.Context(), flagCategory, count)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func doRun(cmd *cobra.Command, _ []string) error {
	in, err := newRunInput(flagTitle, flagCategory, flagDescription, flagCount, cfg.Extract.DefaultCount)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printBanner()

	client := api.NewClient(cfg.Dispatch, logger)
	defer client.CloseIdleConnections()

	r := &runner{
		cfg:        cfg,
		logger:     logger,
		source:     collector.NewSource(cfg.Extract.Backend, cfg.Extract.BatchSize),
		reports:    store.NewReports(cfg.Report.Dir),
		dispatcher: client,
		renderer: render.Multi{
			render.Console{W: cmd.OutOrStdout()},
			render.NewHTML(cfg.Render.Dir, cfg.Render.OpenBrowser && !flagNoBrowser, logger),
		},
		out: cmd.ErrOrStderr(),
	}
	return r.run(ctx, in)
}
