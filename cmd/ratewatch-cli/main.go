package main

import (
	"context"

	"ratewatch-backend/cmd/ratewatch-cli/commands"
	"ratewatch-backend/lib/telemetry"
)

func main() {
	telemetry.SetupFromEnv(context.Background(), "ratewatch-cli")
	commands.ExecuteContext(context.Background())
}
