package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/grafana/queryrunner/pkg/models"
	"github.com/grafana/queryrunner/pkg/services/queryrunner"
	"github.com/grafana/queryrunner/pkg/setting"
	"github.com/grafana/queryrunner/pkg/tsdb/testdata"
)

const testConfig = `
[query_caching]
enabled = true

[datasources]
cache_cleanup_interval = 10ms

[datasource.demo]
type = testdata
is_default = true
`

func newTestServer(t *testing.T, ini string) *Server {
	t.Helper()
	cfg, err := setting.NewCfgFromBytes([]byte(ini))
	require.NoError(t, err)
	srv, err := New(context.Background(), cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	return srv
}

func TestNew_RunsQueriesAgainstProvisionedDataSources(t *testing.T) {
	srv := newTestServer(t, testConfig)
	t.Cleanup(func() { require.NoError(t, srv.Close()) })

	ds, err := srv.DataSources.Get(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, models.DataSourceRef{UID: "demo", Type: testdata.PluginType}, ds.Ref())

	runner := srv.QueryRunner.NewQueryRunner()
	t.Cleanup(runner.Destroy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := runner.Get(ctx)

	now := time.Now()
	require.NoError(t, runner.Run(ctx, queryrunner.RunOptions{
		DatasourceRef: &models.DataSourceRef{UID: "demo"},
		Queries:       []models.DataQuery{{RefID: "A"}},
		TimeRange: models.TimeRange{
			From: now.Add(-time.Hour),
			To:   now,
			Raw:  models.RawTimeRange{From: "now-1h", To: "now"},
		},
	}))

	for pd := range sub {
		if pd.State != models.LoadingStateDone {
			continue
		}
		require.Len(t, pd.Series, 1)
		require.Equal(t, "A", pd.Series[0].RefID)
		break
	}
	require.Eventually(t, func() bool { return srv.Caching.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestNew_InvalidProvisioning(t *testing.T) {
	cfg, err := setting.NewCfgFromBytes([]byte("[datasource.x]\ntype = unknown\n"))
	require.NoError(t, err)
	_, err = New(context.Background(), cfg, prometheus.NewRegistry())
	require.Error(t, err)
}

func TestServer_Run(t *testing.T) {
	srv := newTestServer(t, testConfig)
	_, err := srv.DataSources.Get(context.Background(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
