package sandbox

import (
	"context"
	"fmt"

	"github.com/batondev/baton/internal/common/config"
	"github.com/batondev/baton/internal/common/logger"
)

// Provide constructs the sandbox backend named by the configuration.
func Provide(ctx context.Context, cfg config.SandboxConfig, log *logger.Logger) (Sandbox, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.WorkDir, log), nil
	case "docker":
		return NewDocker(ctx, cfg.Docker, cfg.WorkDir, log)
	case "sprites":
		return NewSprites(ctx, cfg.Sprites, log)
	default:
		return nil, fmt.Errorf("unknown sandbox backend: %s", cfg.Backend)
	}
}
