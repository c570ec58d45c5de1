package commands

import (
	"github.com/pnnl-tazer/tazer-go/internal/logger"
	"github.com/pnnl-tazer/tazer-go/pkg/config"
)

// InitLogger configures the package-level logger from cfg.Logging.
func InitLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}
