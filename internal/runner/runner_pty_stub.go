//go:build !linux && !darwin

package runner

import (
	"context"
	"io"
)

func runWithPTY(_ context.Context, _ Options, _ io.Writer) (int, error) {
	return -1, errPTYUnsupported
}
