package main

import (
	"context"
	"os"

	"github.com/fatih/color"

	"frameworks/api_tunnel/internal/apperr"
	"frameworks/api_tunnel/internal/manager"
	"frameworks/api_tunnel/pkg/config"
	"frameworks/api_tunnel/pkg/logging"
)

func main() {
	logger := logging.NewLoggerWithService("coxswain")
	config.LoadEnv(logger)

	root := newRootCmd(&app{logger: logger, build: manager.Build})
	if err := root.ExecuteContext(context.Background()); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "coxswain: %v\n", err)
		os.Exit(apperr.ExitCode(err))
	}
}
