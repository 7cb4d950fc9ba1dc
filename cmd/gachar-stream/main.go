// Command gachar-stream is the Lambda handler for the location table's
// DynamoDB stream. It records audit entries for every change and completes
// cascading deactivations.
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jacentio/gachar/internal/app"
	"github.com/jacentio/gachar/internal/config"
	"github.com/jacentio/gachar/internal/logging"
)

func main() {
	log := logging.WithComponent("main")

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Backend != config.BackendDynamoDB {
		log.Fatal().Str("backend", cfg.Backend).Msg("stream handler requires the dynamodb backend")
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}

	defer a.Close(ctx)

	lambda.Start(a.StreamHandler().HandleNodeChanges)
}
