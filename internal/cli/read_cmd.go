package cli

import (
	"github.com/spf13/cobra"

	"github.com/jacentio/gachar/hierarchy"
)

func newGetCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := s.service().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeNode(cmd, n)
		},
	}
}

func newFindCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "find NAME",
		Short: "Look up a location by exact name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := s.service().FindByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeNode(cmd, n)
		},
	}
}

func newChildrenCmd(s *session) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "children [PARENT_ID]",
		Short: "List the children of a location, or the top-level locations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var parentID string
			if len(args) == 1 {
				parentID = args[0]
			}
			nodes, err := s.service().ListChildren(cmd.Context(), parentID, hierarchy.ListOptions{IncludeInactive: all})
			if err != nil {
				return err
			}
			return writeNodes(cmd, nodes)
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include inactive locations")
	return cmd
}

func newSubtreeCmd(s *session) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "subtree ID",
		Short: "List a location and all of its descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := s.service().Subtree(cmd.Context(), args[0], hierarchy.ListOptions{IncludeInactive: all})
			if err != nil {
				return err
			}
			return writeNodes(cmd, nodes)
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include inactive locations")
	return cmd
}

func newAncestorsCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "ancestors ID",
		Short: "Show the path from the top level down to a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := s.service().Ancestors(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeNodes(cmd, nodes)
		},
	}
}
