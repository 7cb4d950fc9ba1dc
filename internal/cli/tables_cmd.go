package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	"github.com/jacentio/gachar/audit"
	"github.com/jacentio/gachar/internal/config"
	"github.com/jacentio/gachar/store"
)

func newInitTablesCmd(s *session) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "init-tables",
		Short: "Create the DynamoDB tables used by the configured backend and audit sinks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := s.app
			if a.DynamoDB == nil {
				return errors.New("init-tables needs the dynamodb backend or the dynamodb audit sink")
			}

			var defs []*dynamodb.CreateTableInput
			if a.Config.Backend == config.BackendDynamoDB {
				defs = append(defs, a.StoreConfig().TableDefinitions()...)
			}
			if a.Config.HasSink(config.SinkDynamoDB) {
				defs = append(defs, audit.TableDefinition(a.Config.Audit.Table))
			}

			if err := store.CreateTables(cmd.Context(), a.DynamoDB, defs, wait); err != nil {
				return err
			}
			for _, d := range defs {
				fmt.Fprintln(cmd.OutOrStdout(), aws.ToString(d.TableName))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for tables to become active")
	return cmd
}
