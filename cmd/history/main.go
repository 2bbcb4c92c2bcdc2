package main

import (
	"os"

	"github.com/relabs-tech/shake_relax/internal/app"
)

func main() {
	if err := app.NewHistoryCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
