package daemon

import (
	"fmt"

	"github.com/rs/zerolog"
)

// applyLogLevel sets the global log level from its configured name. The
// level is part of the root section, so a restart can change it.
func applyLogLevel(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}
