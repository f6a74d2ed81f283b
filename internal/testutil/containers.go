package testutil

import (
	"context"
	"errors"

	"github.com/testcontainers/testcontainers-go"
)

// abort terminates a half-initialised container and returns err joined with
// any termination failure.
func abort(ctx context.Context, c testcontainers.Container, err error) error {
	if terr := c.Terminate(ctx); terr != nil {
		return errors.Join(err, terr)
	}
	return err
}

// terminate stops a container during teardown, where failures are not actionable.
func terminate(ctx context.Context, c testcontainers.Container) {
	_ = c.Terminate(ctx)
}
