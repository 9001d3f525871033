package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/desertthunder/marks/internal/shared"
	"github.com/urfave/cli/v3"
)

// APIGet makes a direct GET request to the backend as the signed-in user, or with the anon key when
// signed out.
func (r *Runner) APIGet(ctx context.Context, cmd *cli.Command) error {
	path := cmd.StringArg("path")
	if path == "" {
		return fmt.Errorf("%w: usage: marks api get <path>", shared.ErrMissingArgument)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	a, err := r.start(ctx, false)
	if err != nil {
		return err
	}
	api := a.API()
	if api == nil {
		return fmt.Errorf("%w: backend has no HTTP API", shared.ErrServiceUnavailable)
	}

	r.logger.Info("GET request", "path", path)

	resp, err := api.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%w: %w, body: %s", shared.ErrAPIRequest, err, string(resp.Body))
	}

	if resp.IsJSON {
		return r.writeJSON(resp.JSONData, !cmd.Bool("json"))
	}

	r.output.Write(resp.Body)
	r.output.Write([]byte("\n"))
	return nil
}
