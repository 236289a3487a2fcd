package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"contactgraph/internal/models"
)

// NewIdentifyCommand creates the identify command.
func NewIdentifyCommand(opts *RootOptions) *cobra.Command {
	var email, phone string

	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Reconcile one email/phone observation and print the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := models.IdentifyRequest{}
			if email != "" {
				req.Email = &email
			}
			if phone != "" {
				req.PhoneNumber = &phone
			}
			if req.IsEmpty() {
				return fmt.Errorf("one of --email or --phone is required")
			}

			a, err := newApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.service.Identify(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, view)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	return cmd
}

// NewShowCommand creates the show command.
func NewShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <contact-id>",
		Short: "Print the cluster containing a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid contact id %q", args[0])
			}

			a, err := newApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.service.Lookup(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, view)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
