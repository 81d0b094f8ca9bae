//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package shell

import (
	"context"
	"log/slog"
)

func startPTY(ctx context.Context, cfg Config, sentinel string, logger *slog.Logger) (backend, error) {
	return nil, errNoPTY
}
