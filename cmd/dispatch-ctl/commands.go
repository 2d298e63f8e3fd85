package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BearBump/FixDispatch/internal/models"
	"github.com/spf13/cobra"
)

func newRootCmd(newBackend backendFactory) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "dispatch-ctl",
		Short:         "Operator tool for the booking dispatch service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("configPath"), "path to the YAML config")

	// withBackend opens the backend for one command run.
	withBackend := func(run func(cmd *cobra.Command, args []string, b backend) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config or configPath env var is required")
			}
			b, closeFn, err := newBackend(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			if closeFn != nil {
				defer closeFn()
			}
			return run(cmd, args, b)
		}
	}

	root.AddCommand(
		newSchemaCmd(withBackend),
		newAgentsCmd(withBackend),
		newBookingsCmd(withBackend),
		newSequenceCmd(withBackend),
	)
	return root
}

type runner func(run func(cmd *cobra.Command, args []string, b backend) error) func(*cobra.Command, []string) error

func newSchemaCmd(with runner) *cobra.Command {
	schema := &cobra.Command{Use: "schema", Short: "Database schema"}
	schema.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create tables and indexes if missing",
		Args:  cobra.NoArgs,
		// opening the storage applies the schema
		RunE: with(func(cmd *cobra.Command, _ []string, _ backend) error {
			fmt.Fprintln(cmd.OutOrStdout(), "schema: ok")
			return nil
		}),
	})
	return schema
}

func newAgentsCmd(with runner) *cobra.Command {
	agents := &cobra.Command{Use: "agents", Short: "Manage the agent directory"}

	var (
		name   string
		skills []string
		lat    float64
		lng    float64
		noLoc  bool
		rating float64
		status string
	)
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or update an agent",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string, b backend) error {
			a := &models.Agent{
				ID:                 args[0],
				Name:               name,
				AvailabilityStatus: models.AvailabilityStatus(status),
				Rating:             rating,
			}
			switch a.AvailabilityStatus {
			case models.AgentAvailable, models.AgentBusy, models.AgentOffDuty:
			default:
				return fmt.Errorf("unknown status %q", status)
			}
			if rating < 0 || rating > 5 {
				return fmt.Errorf("rating must be within [0,5], got %v", rating)
			}
			for _, s := range skills {
				sk := models.Skill(strings.TrimSpace(s))
				switch sk {
				case models.SkillElectrical, models.SkillPlumbing, models.SkillEmergency:
				default:
					return fmt.Errorf("unknown skill %q", s)
				}
				a.Skills = append(a.Skills, sk)
			}
			if !noLoc {
				a.CurrentLocation = &models.Location{Lat: lat, Lng: lng}
			}
			if err := b.UpsertAgent(cmd.Context(), a); err != nil {
				return err
			}
			return printJSON(cmd, a)
		}),
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringSliceVar(&skills, "skills", nil, "comma separated skills: electrical,plumbing,emergency")
	add.Flags().Float64Var(&lat, "lat", 0, "current latitude")
	add.Flags().Float64Var(&lng, "lng", 0, "current longitude")
	add.Flags().BoolVar(&noLoc, "no-location", false, "agent has no known location")
	add.Flags().Float64Var(&rating, "rating", 0, "rating in [0,5]")
	add.Flags().StringVar(&status, "status", string(models.AgentAvailable), "available|busy|off-duty")

	list := &cobra.Command{
		Use:   "list",
		Short: "List all agents",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, _ []string, b backend) error {
			out, err := b.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		}),
	}

	release := &cobra.Command{
		Use:   "release <id>",
		Short: "Return an idle agent to available",
		Long:  "Return an agent to available. Agents still assigned to a booking are refused: cancel the booking instead.",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string, b backend) error {
			if err := b.MarkAvailable(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, models.ErrAgentAssigned) {
					return fmt.Errorf("%w (use `dispatch-ctl bookings cancel <booking>` to free the agent)", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "agent %s: available\n", args[0])
			return nil
		}),
	}

	agents.AddCommand(add, list, release)
	return agents
}

func newBookingsCmd(with runner) *cobra.Command {
	bookings := &cobra.Command{Use: "bookings", Short: "Inspect and cancel bookings"}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a booking",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string, b backend) error {
			bk, err := b.GetBooking(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, bk)
		}),
	}

	history := &cobra.Command{
		Use:   "history <id>",
		Short: "Print the status history of a booking",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string, b backend) error {
			h, err := b.ListHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, h)
		}),
	}

	var reason string
	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a booking and release its agent",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string, b backend) error {
			bk, err := b.CancelBooking(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd, bk)
		}),
	}
	cancel.Flags().StringVar(&reason, "reason", "cancelled by operator", "note stored in the status history")

	bookings.AddCommand(show, history, cancel)
	return bookings
}

func newSequenceCmd(with runner) *cobra.Command {
	seq := &cobra.Command{Use: "sequence", Short: "Booking number sequence"}
	seq.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Draw the next booking number",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, _ []string, b backend) error {
			n := b.NextNumber(cmd.Context())
			if n.Fallback {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (fallback)\n", n.Value)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), n.Value)
			return nil
		}),
	})
	return seq
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
