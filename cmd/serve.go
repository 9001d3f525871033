package main

import (
	"context"

	"github.com/desertthunder/marks/internal/web"
	"github.com/urfave/cli/v3"
)

// Serve runs the web UI until interrupted.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	cfg := r.config.Server
	if cmd.IsSet("host") {
		cfg.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Port = int(cmd.Int("port"))
	}
	r.config.Server = cfg

	a, err := r.start(ctx, true)
	if err != nil {
		return err
	}

	srv := web.New(a.Session, a.Store, cfg, r.logger)
	defer srv.Close()

	r.writePlain("→ Serving on %s\n", cfg.BaseURL())
	r.writePlain("→ Register %s as a redirect URL with your auth provider\n", srv.CallbackURL())
	if cmd.Bool("open") {
		if err := r.open(cfg.BaseURL()); err != nil {
			r.logger.Warn("failed to open browser", "error", err)
		}
	}

	return srv.Run(ctx)
}
