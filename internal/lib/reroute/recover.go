package reroute

import (
	"context"
	"runtime/debug"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
)

func logPanic(ctx context.Context, rec any) {
	err, _ := errors.ParseStack(debug.Stack())
	skipFrames := 3
	numFrames := 5
	logging.Errorw(ctx, "Reroute: recovered from provider panic",
		"error", rec, "error.stack_trace", err.MinimalStack(skipFrames, numFrames))
}
