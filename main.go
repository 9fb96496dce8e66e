package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/mikesi/mproxy/cmd"
	"github.com/mikesi/mproxy/internal/mlog"
)

func main() {
	if os.Getenv("MPROXY_LOG_FORMAT") == "console" {
		if err := mlog.SetDevelopment(); err != nil {
			os.Exit(1)
		}
	}
	defer mlog.Sync()

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
