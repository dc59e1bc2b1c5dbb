package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "delta2dwh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
source:
  dsn: postgres://etl@source:5432/oltp
sink:
  dsn: postgres://etl@sink:5432/dwh
tables:
  - source: customers
    primary_key: [customer_id]
    watermark_column: updated_at
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, DefaultSourceSchema, cfg.Source.Schema)
	assert.Equal(t, DefaultSinkSchema, cfg.Sink.Schema)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultRetries, cfg.Retry.Attempts)
	assert.Equal(t, DefaultRetryDelayMs, cfg.Retry.DelayMs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.EpochAt.IsZero() == false)
	assert.Equal(t, "1970-01-01T00:00:00Z", cfg.EpochAt.UTC().Format("2006-01-02T15:04:05Z07:00"))

	require.Len(t, cfg.Tables, 1)
	spec := cfg.Tables[0]
	assert.Equal(t, "customers", spec.Destination, "destination defaults to the source name")
	assert.Equal(t, DefaultBatchSize, spec.BatchSize)
}

func TestLoadEnvOverridesDSNs(t *testing.T) {
	t.Setenv("SOURCE_DSN", "postgres://real@source/oltp")
	t.Setenv("TARGET_DSN", "postgres://real@sink/dwh")

	cfg, err := Load(writeConfig(t, `
source:
  dsn: ""
sink:
  dsn: ""
tables:
  - source: customers
    primary_key: [customer_id]
    watermark_column: updated_at
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres://real@source/oltp", cfg.Source.DSN)
	assert.Equal(t, "postgres://real@sink/dwh", cfg.Sink.DSN)
}

func TestLoadPathFallsBackToEnv(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	t.Setenv("CONFIG_PATH", path)

	_, err := Load("")
	assert.NoError(t, err)
}

func TestLoadWithoutPathFails(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	_, err := Load("")
	assert.ErrorContains(t, err, "CONFIG_PATH")
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing source dsn",
			body: `
sink:
  dsn: postgres://etl@sink/dwh
tables:
  - source: customers
    primary_key: [id]
    watermark_column: updated_at
`,
			want: "source.dsn",
		},
		{
			name: "no tables",
			body: `
source:
  dsn: postgres://etl@source/oltp
sink:
  dsn: postgres://etl@sink/dwh
tables: []
`,
			want: "no tables",
		},
		{
			name: "missing watermark column",
			body: `
source:
  dsn: postgres://etl@source/oltp
sink:
  dsn: postgres://etl@sink/dwh
tables:
  - source: customers
    primary_key: [id]
`,
			want: "watermark_column",
		},
		{
			name: "missing primary key",
			body: `
source:
  dsn: postgres://etl@source/oltp
sink:
  dsn: postgres://etl@sink/dwh
tables:
  - source: customers
    watermark_column: updated_at
`,
			want: "primary_key",
		},
		{
			name: "bad epoch",
			body: `
source:
  dsn: postgres://etl@source/oltp
sink:
  dsn: postgres://etl@sink/dwh
epoch: yesterday
tables:
  - source: customers
    primary_key: [id]
    watermark_column: updated_at
`,
			want: "epoch",
		},
		{
			name: "duplicate destination",
			body: `
source:
  dsn: postgres://etl@source/oltp
sink:
  dsn: postgres://etl@sink/dwh
tables:
  - source: customers
    destination: dim_customers
    primary_key: [id]
    watermark_column: updated_at
  - source: customers_v2
    destination: dim_customers
    primary_key: [id]
    watermark_column: updated_at
`,
			want: "duplicate destination",
		},
		{
			name: "unknown dependency",
			body: `
source:
  dsn: postgres://etl@source/oltp
sink:
  dsn: postgres://etl@sink/dwh
tables:
  - source: orders
    primary_key: [id]
    watermark_column: updated_at
    depends_on: [customers]
`,
			want: "unknown table customers",
		},
		{
			name: "self dependency",
			body: `
source:
  dsn: postgres://etl@source/oltp
sink:
  dsn: postgres://etl@sink/dwh
tables:
  - source: orders
    primary_key: [id]
    watermark_column: updated_at
    depends_on: [orders]
`,
			want: "depends on itself",
		},
		{
			name: "dependency cycle",
			body: `
source:
  dsn: postgres://etl@source/oltp
sink:
  dsn: postgres://etl@sink/dwh
tables:
  - source: a
    primary_key: [id]
    watermark_column: updated_at
    depends_on: [b]
  - source: b
    primary_key: [id]
    watermark_column: updated_at
    depends_on: [a]
`,
			want: "cycle",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestSelect(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
source:
  dsn: postgres://etl@source/oltp
sink:
  dsn: postgres://etl@sink/dwh
tables:
  - source: customers
    primary_key: [id]
    watermark_column: updated_at
  - source: products
    primary_key: [id]
    watermark_column: updated_at
  - source: orders
    primary_key: [id]
    watermark_column: updated_at
`))
	require.NoError(t, err)

	subset, err := cfg.Select([]string{"orders", "customers"})
	require.NoError(t, err)
	require.Len(t, subset, 2)
	assert.Equal(t, "customers", subset[0].Destination, "selection keeps config order")
	assert.Equal(t, "orders", subset[1].Destination)

	_, err = cfg.Select([]string{"invoices"})
	assert.ErrorContains(t, err, "unknown table invoices")
}
