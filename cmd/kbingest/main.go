// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/poiesic/kbingest/config"
	"github.com/poiesic/kbingest/plugin"
	"github.com/urfave/cli/v2"
)

const closeLogKey = "closeLog"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func collectionFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "collection",
		Aliases:  []string{"c"},
		Usage:    "Collection the jobs belong to",
		Required: true,
	}
}

func paramFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:    "param",
		Aliases: []string{"p"},
		Usage:   "Plugin parameter as key=value; values are parsed as JSON when possible",
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "kbingest",
		Usage: "Asynchronous document ingestion for knowledge-base collections",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Also write JSON logs to this file",
				EnvVars: []string{"KBINGEST_LOG_FILE"},
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Job database directory (overrides KBINGEST_DATA_DIR)",
			},
		},
		Before: setupLogger,
		After:  closeLogger,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the job control HTTP API and run jobs",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address (overrides KBINGEST_HTTP_ADDR)",
					},
					&cli.DurationFlag{
						Name:  "shutdown-timeout",
						Usage: "How long to wait for in-flight requests on shutdown",
						Value: 15 * time.Second,
					},
				},
			},
			{
				Name:   "worker",
				Usage:  "Consume jobs from the RabbitMQ queue and run them",
				Action: workerCommand,
			},
			{
				Name:      "submit",
				Usage:     "Submit a file or URL for ingestion",
				ArgsUsage: "[FILE]",
				Action:    submitCommand,
				Flags: []cli.Flag{
					collectionFlag(),
					&cli.StringFlag{
						Name:  "owner",
						Usage: "Owner of the job; selects the LLM credential",
						Value: "anonymous",
					},
					&cli.StringFlag{
						Name:  "plugin",
						Usage: "Ingestion plugin name",
						Value: plugin.SimpleIngest,
					},
					&cli.StringFlag{
						Name:  "url",
						Usage: "Ingest this URL instead of a file",
					},
					paramFlag(),
				},
			},
			{
				Name:      "status",
				Usage:     "Show one job",
				ArgsUsage: "JOB_ID",
				Action:    statusCommand,
			},
			{
				Name:   "list",
				Usage:  "List the jobs of a collection",
				Action: listCommand,
				Flags: []cli.Flag{
					collectionFlag(),
					&cli.StringFlag{
						Name:  "status",
						Usage: "Comma-separated statuses to include",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Page size",
						Value: 50,
					},
					&cli.IntFlag{
						Name:  "offset",
						Usage: "Jobs to skip",
					},
					&cli.StringFlag{
						Name:  "sort",
						Usage: "Sort by created_at, updated_at, status or filename",
						Value: "created_at",
					},
					&cli.BoolFlag{
						Name:  "asc",
						Usage: "Oldest first",
					},
				},
			},
			{
				Name:   "summary",
				Usage:  "Summarize the jobs of a collection",
				Action: summaryCommand,
				Flags:  []cli.Flag{collectionFlag()},
			},
			{
				Name:      "retry",
				Usage:     "Retry a failed job, optionally with new parameters",
				ArgsUsage: "JOB_ID",
				Action:    retryCommand,
				Flags:     []cli.Flag{paramFlag()},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a pending or processing job",
				ArgsUsage: "JOB_ID",
				Action:    cancelCommand,
			},
			{
				Name:      "delete",
				Usage:     "Soft-delete a job and remove its chunks",
				ArgsUsage: "JOB_ID",
				Action:    deleteCommand,
			},
			{
				Name:   "plugins",
				Usage:  "List the ingestion plugins and their parameters",
				Action: pluginsCommand,
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger, closeLog := config.SetupLogger(c.String("log-file"), level)
	slog.SetDefault(logger)
	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[closeLogKey] = closeLog
	return nil
}

func closeLogger(c *cli.Context) error {
	if fn, ok := c.App.Metadata[closeLogKey].(func() error); ok {
		return fn()
	}
	return nil
}
