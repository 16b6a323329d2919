//go:build !windows

package collector

import (
	"context"
	"fmt"
	"runtime"
)

// NewSource returns a Source that always fails; event logs exist only on Windows.
func NewSource(string, int) Source {
	return unsupportedSource{}
}

type unsupportedSource struct{}

func (unsupportedSource) Open(context.Context, string, int) (Channel, error) {
	return nil, fmt.Errorf("event log not supported on %s", runtime.GOOS)
}
