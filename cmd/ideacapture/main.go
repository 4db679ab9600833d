// Idea Capture command-line client.
package main

import (
	"log/slog"

	"github.com/ashureev/ideacapture/internal/cli"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
	cli.Execute()
}
