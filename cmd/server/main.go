package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/planboard/cmd/server/internal/commands"
	"github.com/wolfeidau/planboard/internal/config"
)

var (
	version = "dev"
	cli     struct {
		Dev     bool             `help:"Enable development logging." env:"PLANBOARD_DEV"`
		Config  kong.ConfigFlag  `help:"Load flag defaults from a YAML file."`
		Version kong.VersionFlag `help:"Print the version and exit."`

		Serve   commands.ServeCmd   `cmd:"" help:"Start the HTTP server and the job workers"`
		Migrate commands.MigrateCmd `cmd:"" help:"Apply database migrations"`
		Jobs    commands.JobsCmd    `cmd:"" help:"Inspect and retry background jobs"`
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("planboard"),
		kong.Description("Background jobs and identity sync for planboard workspaces."),
		kong.Configuration(config.YAML, "/etc/planboard/config.yaml", "~/.config/planboard/config.yaml"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Dev: cli.Dev, Version: version})
	cmd.FatalIfErrorf(err)
}
