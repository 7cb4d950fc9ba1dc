package cli

import (
	"github.com/spf13/cobra"

	"github.com/jacentio/gachar/hierarchy"
)

func newCreateCmd(s *session) *cobra.Command {
	var in hierarchy.CreateInput

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := s.service().Create(cmd.Context(), s.caller(), in)
			if err != nil {
				return err
			}
			return writeNode(cmd, n)
		},
	}

	cmd.Flags().StringVar(&in.Name, "name", "", "unique location name")
	cmd.Flags().StringVar(&in.Type, "type", "", "warehouse, store, zone, aisle, shelf, bin or virtual (default warehouse)")
	cmd.Flags().StringVar(&in.ParentID, "parent", "", "parent location id (omit for a root)")
	cmd.Flags().StringVar(&in.Description, "description", "", "free-form description")
	cmd.Flags().StringVar(&in.Address, "address", "", "street address")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newUpdateCmd(s *session) *cobra.Command {
	var name, typ, description, address string

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Edit a location's fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in hierarchy.UpdateInput
			flags := cmd.Flags()
			if flags.Changed("name") {
				in.Name = &name
			}
			if flags.Changed("type") {
				in.Type = &typ
			}
			if flags.Changed("description") {
				in.Description = &description
			}
			if flags.Changed("address") {
				in.Address = &address
			}

			n, err := s.service().Update(cmd.Context(), s.caller(), args[0], in)
			if err != nil {
				return err
			}
			return writeNode(cmd, n)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "new unique name")
	cmd.Flags().StringVar(&typ, "type", "", "new location type")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&address, "address", "", "new address")

	return cmd
}

func newReparentCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "reparent ID [PARENT_ID]",
		Short: "Move a location under a new parent, or to the top level",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var parentID string
			if len(args) == 2 {
				parentID = args[1]
			}
			n, err := s.service().Reparent(cmd.Context(), s.caller(), args[0], parentID)
			if err != nil {
				return err
			}
			return writeNode(cmd, n)
		},
	}
}

func newDeactivateCmd(s *session) *cobra.Command {
	var cascade bool

	cmd := &cobra.Command{
		Use:   "deactivate ID",
		Short: "Mark a location inactive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.service().Deactivate(cmd.Context(), s.caller(), args[0], cascade); err != nil {
				return err
			}
			return writeStatus(cmd, s, args[0])
		},
	}

	cmd.Flags().BoolVar(&cascade, "cascade", false, "deactivate every descendant too")
	return cmd
}

func newReactivateCmd(s *session) *cobra.Command {
	var cascade bool

	cmd := &cobra.Command{
		Use:   "reactivate ID",
		Short: "Mark a location active again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.service().Reactivate(cmd.Context(), s.caller(), args[0], cascade); err != nil {
				return err
			}
			return writeStatus(cmd, s, args[0])
		},
	}

	cmd.Flags().BoolVar(&cascade, "cascade", false, "restore descendants deactivated by this location's cascade")
	return cmd
}

func writeStatus(cmd *cobra.Command, s *session, id string) error {
	n, err := s.service().Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	return writeNode(cmd, n)
}
