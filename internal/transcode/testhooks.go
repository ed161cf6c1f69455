package transcode

import (
	"context"
	"os/exec"
)

// SetCommandContext swaps subprocess creation during tests and returns a
// restore function.
func SetCommandContext(fn func(ctx context.Context, name string, args ...string) *exec.Cmd) func() {
	prev := commandContext
	commandContext = fn
	return func() { commandContext = prev }
}
