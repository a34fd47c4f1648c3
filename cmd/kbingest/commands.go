package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/poiesic/kbingest"
	"github.com/poiesic/kbingest/config"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/httpapi"
	"github.com/poiesic/kbingest/jobs"
	"github.com/poiesic/kbingest/queue"
	"github.com/poiesic/kbingest/storage"
	"github.com/urfave/cli/v2"
)

const pollInterval = 100 * time.Millisecond

func loadConfig(c *cli.Context) config.Config {
	cfg := config.Load()
	if dir := c.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	return cfg
}

func openSystem(c *cli.Context) (*kbingest.System, config.Config, error) {
	cfg := loadConfig(c)
	sys, err := kbingest.FromConfig(c.Context, cfg)
	if err != nil {
		return nil, cfg, fmt.Errorf("failed to open ingestion system: %w", err)
	}
	return sys, cfg, nil
}

func serveCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig(c)
	if addr := c.String("addr"); addr != "" {
		cfg.HTTPAddr = addr
	}
	sys, err := kbingest.FromConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open ingestion system: %w", err)
	}
	defer sys.Close()

	if n, err := sys.ResumePending(ctx); err != nil {
		slog.Warn("failed to resume pending jobs", "err", err)
	} else if n > 0 {
		slog.Info("resumed pending jobs", "count", n)
	}

	srv, err := httpapi.NewServer(sys.Service(),
		httpapi.WithAddr(cfg.HTTPAddr),
		httpapi.WithAllowedOrigins(cfg.AllowedOrigins...),
		httpapi.WithMaxUploadBytes(cfg.MaxUploadBytes),
		httpapi.WithRequestTimeout(cfg.RequestTimeout),
		httpapi.WithLogger(slog.Default()),
	)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Duration("shutdown-timeout"))
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func workerCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig(c)
	if cfg.AMQPURL == "" {
		return errors.New("AMQP_URL is required to run a worker")
	}
	sys, err := kbingest.FromConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open ingestion system: %w", err)
	}
	defer sys.Close()

	consumer, err := sys.NewConsumer(
		queue.WithPrefetch(cfg.Prefetch),
		queue.WithConsumerTag(cfg.ConsumerTag),
	)
	if err != nil {
		return err
	}
	return consumer.Start(ctx)
}

func submitCommand(c *cli.Context) error {
	params, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return err
	}
	req := jobs.SubmitRequest{
		CollectionID: c.String("collection"),
		Owner:        c.String("owner"),
		URL:          c.String("url"),
		PluginName:   c.String("plugin"),
		Params:       params,
	}
	if req.URL == "" {
		if c.NArg() != 1 {
			return errors.New("expected exactly one FILE argument or --url")
		}
		path := c.Args().First()
		req.Data, err = os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		req.Filename = filepath.Base(path)
	}

	sys, cfg, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	job, err := sys.Service().Submit(c.Context, req)
	if err != nil {
		return err
	}
	// Without a queue the job runs in this process, so stay until it is done.
	if cfg.AMQPURL == "" {
		job, err = waitForJob(c.Context, sys.Service(), job.ID)
		if err != nil {
			return err
		}
	}
	return printJSON(c.App.Writer, job)
}

func waitForJob(ctx context.Context, svc *jobs.Service, id string) (*core.IngestionJob, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		job, err := svc.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func jobIDArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", errors.New("expected exactly one JOB_ID argument")
	}
	return c.Args().First(), nil
}

func statusCommand(c *cli.Context) error {
	id, err := jobIDArg(c)
	if err != nil {
		return err
	}
	sys, _, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	job, err := sys.Service().GetStatus(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, job)
}

func listCommand(c *cli.Context) error {
	req := jobs.ListRequest{
		CollectionID: c.String("collection"),
		Offset:       c.Int("offset"),
		Limit:        c.Int("limit"),
		SortBy:       storage.SortField(c.String("sort")),
		Descending:   !c.Bool("asc"),
	}
	if raw := c.String("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status, err := core.ParseStatus(s)
			if err != nil {
				return err
			}
			req.Statuses = append(req.Statuses, status)
		}
	}

	sys, _, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	page, err := sys.Service().List(c.Context, req)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSOURCE\tSIZE\tCHUNKS\tPLUGIN\tCREATED")
	for _, job := range page.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			job.ID,
			job.Status,
			job.SourceDescriptor,
			humanize.Bytes(uint64(job.FileSize)),
			job.DocumentCount,
			job.PluginName,
			humanize.Time(job.CreatedAt),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d of %d jobs\n", len(page.Items), page.Total)
	return nil
}

func summaryCommand(c *cli.Context) error {
	sys, _, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	sum, err := sys.Service().Summary(c.Context, c.String("collection"))
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, sum)
}

func retryCommand(c *cli.Context) error {
	id, err := jobIDArg(c)
	if err != nil {
		return err
	}
	override, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return err
	}

	sys, cfg, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	job, err := sys.Service().Retry(c.Context, id, override)
	if err != nil {
		return err
	}
	if cfg.AMQPURL == "" {
		job, err = waitForJob(c.Context, sys.Service(), job.ID)
		if err != nil {
			return err
		}
	}
	return printJSON(c.App.Writer, job)
}

func cancelCommand(c *cli.Context) error {
	return jobAction(c, (*jobs.Service).Cancel)
}

func deleteCommand(c *cli.Context) error {
	return jobAction(c, (*jobs.Service).Delete)
}

func jobAction(c *cli.Context, action func(*jobs.Service, context.Context, string) (*core.IngestionJob, error)) error {
	id, err := jobIDArg(c)
	if err != nil {
		return err
	}
	sys, _, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	job, err := action(sys.Service(), c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, job)
}

func pluginsCommand(c *cli.Context) error {
	sys, _, err := openSystem(c)
	if err != nil {
		return err
	}
	defer sys.Close()

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tEXTENSIONS\tPARAMETERS")
	for _, info := range sys.Service().Plugins() {
		names := make([]string, 0, len(info.Schema))
		for _, p := range info.Schema {
			names = append(names, p.Name)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Name, info.Kind, strings.Join(info.Extensions, ","), strings.Join(names, ","))
	}
	return w.Flush()
}

// parseParams turns key=value pairs into plugin parameters. Values that are
// valid JSON keep their JSON type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", pair)
		}
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil || dec.More() {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
