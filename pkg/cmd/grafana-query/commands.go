package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/grafana/queryrunner/pkg/infra/log"
	"github.com/grafana/queryrunner/pkg/models"
	"github.com/grafana/queryrunner/pkg/server"
	"github.com/grafana/queryrunner/pkg/services/queryrunner"
	"github.com/grafana/queryrunner/pkg/setting"
	"github.com/grafana/queryrunner/pkg/tsdb/legacydata"
)

func newApp() *cli.App {
	queryFlags := []cli.Flag{
		&cli.StringFlag{Name: "datasource", Aliases: []string{"d"}, Usage: "data source uid or name, the default data source when empty"},
		&cli.StringSliceFlag{Name: "query", Aliases: []string{"q"}, Usage: "query model as JSON, repeat for more targets (refIds A, B, ...)"},
		&cli.StringFlag{Name: "query-type", Usage: "query type of every target"},
		&cli.StringFlag{Name: "from", Value: "now-1h", Usage: "range start"},
		&cli.StringFlag{Name: "to", Value: "now", Usage: "range end"},
		&cli.StringFlag{Name: "timezone", Value: "utc"},
		&cli.Int64Flag{Name: "max-data-points", Usage: "defaults to query_runner.default_max_data_points"},
		&cli.StringFlag{Name: "min-interval", Usage: "lower bound of the computed interval, e.g. 10s"},
		&cli.StringSliceFlag{Name: "var", Usage: "template variable as name=value"},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: outputTable, Usage: "table or json"},
	}

	return &cli.App{
		Name:  "grafana-query",
		Usage: "Run panel queries against configured data sources",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"GF_QUERY_CONFIG"}, Usage: "path to an ini config file"},
			&cli.StringFlag{Name: "log-level", Usage: "overrides log.level"},
			&cli.BoolFlag{Name: "no-color", Usage: "disable colored output"},
		},
		Commands: []*cli.Command{
			{
				Name:  "query",
				Usage: "Run a query once and print the final result",
				Flags: append([]cli.Flag{
					&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second},
				}, queryFlags...),
				Action: queryAction,
			},
			{
				Name:  "watch",
				Usage: "Re-run a query on an interval and print every result until interrupted",
				Flags: append([]cli.Flag{
					&cli.DurationFlag{Name: "refresh", Value: 10 * time.Second},
				}, queryFlags...),
				Action: watchAction,
			},
			{
				Name:   "datasources",
				Usage:  "List the configured data sources",
				Action: datasourcesAction,
			},
		},
	}
}

func loadConfig(c *cli.Context) (*setting.Cfg, error) {
	var cfg *setting.Cfg
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = setting.NewCfgFromFile(path); err != nil {
			return nil, err
		}
	} else {
		cfg = setting.NewCfg()
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := log.SetupConsoleLogger(c.App.ErrWriter, cfg.LogFormat, cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newServer(c *cli.Context) (*server.Server, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return server.New(c.Context, cfg, prometheus.NewRegistry())
}

func runOptions(c *cli.Context) (queryrunner.RunOptions, error) {
	timeRange, err := legacydata.NewDataTimeRange(c.String("from"), c.String("to")).TimeRange(
		legacydata.WithLocation(legacydata.LoadLocation(c.String("timezone"))),
	)
	if err != nil {
		return queryrunner.RunOptions{}, fmt.Errorf("invalid time range: %w", err)
	}

	rawQueries := c.StringSlice("query")
	if len(rawQueries) == 0 {
		rawQueries = []string{""}
	}
	if len(rawQueries) > 26 {
		return queryrunner.RunOptions{}, fmt.Errorf("at most 26 queries are supported, got %d", len(rawQueries))
	}
	queries := make([]models.DataQuery, 0, len(rawQueries))
	for i, raw := range rawQueries {
		q := models.DataQuery{RefID: string(rune('A' + i)), QueryType: c.String("query-type")}
		if raw != "" {
			q.JSON = []byte(raw)
		}
		queries = append(queries, q)
	}

	scopedVars := models.ScopedVars{}
	for _, v := range c.StringSlice("var") {
		name, value, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return queryrunner.RunOptions{}, fmt.Errorf("invalid variable %q, expected name=value", v)
		}
		scopedVars[name] = models.ScopedVar{Text: value, Value: value}
	}

	var ref *models.DataSourceRef
	if ds := c.String("datasource"); ds != "" {
		ref = &models.DataSourceRef{UID: ds}
	}

	return queryrunner.RunOptions{
		DatasourceRef: ref,
		Queries:       queries,
		App:           "cli",
		Timezone:      c.String("timezone"),
		TimeRange:     timeRange,
		MaxDataPoints: c.Int64("max-data-points"),
		MinInterval:   c.String("min-interval"),
		ScopedVars:    scopedVars,
	}, nil
}

func newPrinter(c *cli.Context) (*printer, error) {
	return newPrinterFor(c.App.Writer, c.String("output"), c.Bool("no-color"))
}

func queryAction(c *cli.Context) error {
	p, err := newPrinter(c)
	if err != nil {
		return err
	}
	opts, err := runOptions(c)
	if err != nil {
		return err
	}
	srv, err := newServer(c)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()

	runner := srv.QueryRunner.NewQueryRunner()
	defer runner.Destroy()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	results := runner.Get(ctx)
	if err := runner.Run(ctx, opts); err != nil {
		return err
	}

	var last *models.PanelData
	for pd := range results {
		if pd.State == models.LoadingStateLoading {
			continue
		}
		last = pd
		if pd.State == models.LoadingStateDone || pd.State == models.LoadingStateError {
			break
		}
	}
	if last == nil {
		return fmt.Errorf("no result within %s", c.Duration("timeout"))
	}

	if err := p.print(last); err != nil {
		return err
	}
	if last.State == models.LoadingStateError {
		return cli.Exit("", 1)
	}
	return nil
}

func watchAction(c *cli.Context) error {
	p, err := newPrinter(c)
	if err != nil {
		return err
	}
	opts, err := runOptions(c)
	if err != nil {
		return err
	}
	srv, err := newServer(c)
	if err != nil {
		return err
	}

	runner := srv.QueryRunner.NewQueryRunner()
	srv.AddBackgroundService(queryrunner.NewRefresher("watch", runner, opts, c.Duration("refresh")))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	printed := make(chan struct{})
	results := runner.Get(ctx)
	go func() {
		defer close(printed)
		for pd := range results {
			if pd.State == models.LoadingStateLoading {
				continue
			}
			if err := p.print(pd); err != nil {
				fmt.Fprintf(c.App.ErrWriter, "Error printing result: %v\n", err)
			}
		}
	}()

	err = srv.Run(ctx)
	runner.Destroy()
	<-printed
	return err
}

func datasourcesAction(c *cli.Context) error {
	srv, err := newServer(c)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()

	def, _ := srv.DataSources.DefaultSettings()
	return printDataSources(c.App.Writer, srv.DataSources.List(), def.UID, c.Bool("no-color"))
}
