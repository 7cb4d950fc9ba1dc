// Package cli implements the gachar-locations command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/jacentio/gachar/hierarchy"
	"github.com/jacentio/gachar/internal/app"
	"github.com/jacentio/gachar/internal/config"
	"github.com/jacentio/gachar/internal/logging"
)

// Opener builds the application for a config file path.
type Opener func(ctx context.Context, configPath string) (*app.App, error)

// OpenApp loads configuration from path and wires the application.
func OpenApp(ctx context.Context, path string) (*app.App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

type session struct {
	open       Opener
	configPath string
	callerID   string
	roles      []string

	app *app.App
}

func (s *session) caller() hierarchy.Caller {
	return hierarchy.Caller{ID: s.callerID, Roles: s.roles}
}

func (s *session) service() *hierarchy.Service {
	return s.app.Service
}

// Execute runs the command line with args, writing results to stdout. The
// application is opened before the subcommand runs and closed afterwards,
// whether or not the subcommand failed.
func Execute(ctx context.Context, open Opener, args []string, stdout io.Writer) error {
	s := &session{open: open}
	root := newRootCmd(s)
	root.SetArgs(args)
	root.SetOut(stdout)

	err := root.ExecuteContext(ctx)
	if s.app != nil {
		err = errors.Join(err, s.app.Close(ctx))
		s.app = nil
	}
	return err
}

func newRootCmd(s *session) *cobra.Command {
	root := &cobra.Command{
		Use:           "gachar-locations",
		Short:         "Manage the Gachar shop location hierarchy",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx := logging.ContextWithCorrelationID(cmd.Context(), logging.NewCorrelationID())
			cmd.SetContext(ctx)
			a, err := s.open(ctx, s.configPath)
			if err != nil {
				return err
			}
			s.app = a
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&s.configPath, "config", "c", "", "config file (default gachar.yaml or $GACHAR_CONFIG)")
	root.PersistentFlags().StringVar(&s.callerID, "as", hierarchy.SystemCaller.ID, "caller id recorded on writes")
	root.PersistentFlags().StringSliceVar(&s.roles, "role", nil, "caller roles")

	root.AddCommand(
		newCreateCmd(s),
		newUpdateCmd(s),
		newReparentCmd(s),
		newDeactivateCmd(s),
		newReactivateCmd(s),
		newGetCmd(s),
		newFindCmd(s),
		newChildrenCmd(s),
		newSubtreeCmd(s),
		newAncestorsCmd(s),
		newInitTablesCmd(s),
	)
	return root
}

type nodeView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Address     string    `json:"address,omitempty"`
	IsActive    bool      `json:"isActive"`
	ParentID    string    `json:"parentId,omitempty"`
	Version     int64     `json:"version"`
	UpdatedBy   string    `json:"updatedBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func viewOf(n *hierarchy.Node) nodeView {
	return nodeView{
		ID:          n.ID,
		Name:        n.Name,
		Type:        string(n.Type),
		Description: n.Description,
		Address:     n.Address,
		IsActive:    n.IsActive,
		ParentID:    n.ParentID,
		Version:     n.Version,
		UpdatedBy:   n.UpdatedBy,
		CreatedAt:   n.CreatedAt,
		UpdatedAt:   n.UpdatedAt,
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func writeNode(cmd *cobra.Command, n *hierarchy.Node) error {
	return writeJSON(cmd.OutOrStdout(), viewOf(n))
}

func writeNodes(cmd *cobra.Command, nodes []*hierarchy.Node) error {
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, viewOf(n))
	}
	return writeJSON(cmd.OutOrStdout(), views)
}
