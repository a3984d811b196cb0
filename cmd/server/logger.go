package main

import (
	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/config"
	"github.com/septivank/packetmeter/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
