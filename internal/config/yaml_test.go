package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
)

type testCLI struct {
	Listen       string        `default:":8080"`
	Tracing      bool          `default:"false"`
	CORSOrigins  []string      `name:"cors-origins"`
	PollInterval time.Duration `default:"1s"`
	Postgres     struct {
		MaxConns int32 `default:"20"`
		MinConns int32 `default:"5"`
	} `embed:"" prefix:"postgres-"`
}

func parse(t *testing.T, doc string, args ...string) *testCLI {
	t.Helper()

	path := filepath.Join(t.TempDir(), "planboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	var cli testCLI
	parser, err := kong.New(&cli, kong.Configuration(YAML, path), kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)
	_, err = parser.Parse(args)
	require.NoError(t, err)
	return &cli
}

func TestYAML(t *testing.T) {
	doc := `
listen: 127.0.0.1:9000
tracing: true
cors_origins:
  - https://app.example.com
  - https://admin.example.com
poll_interval: 250ms
postgres:
  max_conns: 50
`

	t.Run("values from file", func(t *testing.T) {
		cli := parse(t, doc)
		require.Equal(t, "127.0.0.1:9000", cli.Listen)
		require.True(t, cli.Tracing)
		require.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cli.CORSOrigins)
		require.Equal(t, 250*time.Millisecond, cli.PollInterval)
		require.EqualValues(t, 50, cli.Postgres.MaxConns)
		require.EqualValues(t, 5, cli.Postgres.MinConns)
	})

	t.Run("flags win over the file", func(t *testing.T) {
		cli := parse(t, doc, "--listen=:7000", "--postgres-max-conns=10")
		require.Equal(t, ":7000", cli.Listen)
		require.EqualValues(t, 10, cli.Postgres.MaxConns)
	})

	t.Run("empty file keeps defaults", func(t *testing.T) {
		cli := parse(t, "")
		require.Equal(t, ":8080", cli.Listen)
		require.Equal(t, time.Second, cli.PollInterval)
	})
}

func TestYAMLInvalid(t *testing.T) {
	_, err := YAML(strings.NewReader("- just\n- a list\n"))
	require.Error(t, err)

	_, err = YAML(strings.NewReader("origins:\n  - name: a\n"))
	require.ErrorContains(t, err, "lists of mappings")
}
