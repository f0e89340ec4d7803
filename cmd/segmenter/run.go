package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"segmentation-workers/internal/bootstrap"
	"segmentation-workers/internal/common/camunda"
	"segmentation-workers/internal/common/config"
	"segmentation-workers/internal/common/logger"
	"segmentation-workers/internal/common/observability"
	"segmentation-workers/internal/models"
	"segmentation-workers/internal/segmentation/pipeline"
)

var cliRetry = camunda.RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Segment the customers of one tenant or of every tenant",
		Long: `Fetch orders, compute recency/frequency/monetary features, cluster them
and store a segment label on every customer. Exits non-zero when any
tenant failed.`,
		RunE: runSegment,
	}

	cmd.Flags().StringP("tenant", "t", "", "Tenant id (default: all tenants)")
	cmd.Flags().Bool("notify", false, "Send segment notifications after persisting")
	cmd.Flags().IntP("clusters", "k", config.MaxClusters, "Number of clusters (1-5)")
	cmd.Flags().Int64("seed", 0, "Random seed for clustering")
	cmd.Flags().Bool("no-progress", false, "Disable the progress bar")

	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func runSegment(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	tenantID, _ := flags.GetString("tenant")
	notifyFlag, _ := flags.GetBool("notify")
	noProgress, _ := flags.GetBool("no-progress")
	if flags.Changed("clusters") {
		cfg.Segmentation.Clusters, _ = flags.GetInt("clusters")
	}
	if flags.Changed("seed") {
		cfg.Segmentation.Seed, _ = flags.GetInt64("seed")
	}

	zapLog := logger.New(cfg.Logging.Level, "console")
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(observability.Options{
		ServiceName:    "segmenter",
		JaegerEndpoint: cfg.Observability.JaegerEndpoint,
	})
	if err != nil {
		return err
	}
	defer obs.Shutdown(context.Background())

	deps, err := bootstrap.Connect(ctx, cfg, cliRetry, log)
	if err != nil {
		return err
	}
	defer deps.Close()

	popts := bootstrap.PipelineOptions{Tracer: obs.Tracer(), Logger: log}
	if notifyFlag {
		d, err := deps.Dispatcher(ctx, cfg, log)
		if err != nil {
			return err
		}
		popts.Notifier = d
	}
	p, err := deps.Pipeline(cfg, popts)
	if err != nil {
		return err
	}

	var progress io.Writer = os.Stderr
	if noProgress {
		progress = nil
	}
	return segment(ctx, p.WithNotify(notifyFlag), tenantID, cmd.OutOrStdout(), progress)
}

// segment runs the batch, drawing a progress bar on progress when it is
// not nil, and prints one line per tenant to out.
func segment(ctx context.Context, p *pipeline.Pipeline, tenantID string, out, progress io.Writer) error {
	var bar *progressbar.ProgressBar
	opts := []pipeline.BatchOption{
		pipeline.WithTenantCount(func(total int) {
			if progress == nil {
				return
			}
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(progress),
				progressbar.OptionSetDescription("segmenting"),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}),
		pipeline.WithTenantDone(func(t models.Tenant, _ *pipeline.Result, _ error) {
			if bar != nil {
				bar.Describe(t.ID)
				_ = bar.Add(1)
			}
		}),
	}

	batch, err := p.RunAll(ctx, tenantID, opts...)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	printResults(out, batch)

	if n := len(batch.Failures); n > 0 {
		return fmt.Errorf("%d of %d tenants failed: %v", n, len(batch.Results), batch.FailedTenants())
	}
	return nil
}

func printResults(out io.Writer, batch *pipeline.BatchResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tOUTCOME\tCUSTOMERS\tSEGMENTED\tFAILED\tDISTRIBUTION")
	for _, r := range batch.Results {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			r.TenantID, r.Outcome, r.Customers, r.Segmented, len(r.FailedCustomerIDs), distribution(r.Distribution))
	}
	_ = w.Flush()

	fmt.Fprintf(out, "\n%d tenants, %d customers segmented, %d tenants failed\n",
		len(batch.Results), batch.Segmented(), len(batch.Failures))
	for _, id := range batch.FailedTenants() {
		fmt.Fprintf(out, "  %s: %v\n", id, batch.Failures[id])
	}
}

func distribution(d map[models.Segment]int) string {
	if len(d) == 0 {
		return "-"
	}
	segs := make([]models.Segment, 0, len(d))
	for s := range d {
		segs = append(segs, s)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Rank() < segs[j].Rank() })

	s := ""
	for i, seg := range segs {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s=%d", seg, d[seg])
	}
	return s
}
