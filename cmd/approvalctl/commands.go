package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/storage"
	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/types"
)

// documentFlags are shared by preview and submit.
type documentFlags struct {
	subType    string
	metric     float64
	attributes map[string]string
}

func (f *documentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.subType, "sub-type", "", "document sub-type, e.g. the absence type")
	cmd.Flags().Float64Var(&f.metric, "metric", 0, "decisive value: days for absences, amount for expenses")
	cmd.Flags().StringToStringVar(&f.attributes, "attr", nil, "document attribute for stage conditions (key=value)")
}

func (f *documentFlags) document(docType, id string) types.Document {
	return types.Document{
		ID:         id,
		Type:       types.DocumentType(docType),
		SubType:    f.subType,
		Metric:     f.metric,
		Attributes: parseAttributes(f.attributes),
	}
}

// parseAttributes converts numeric and boolean values so conditions can compare them.
func parseAttributes(raw map[string]string) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	attrs := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			attrs[k] = n
		} else if b, err := strconv.ParseBool(v); err == nil {
			attrs[k] = b
		} else {
			attrs[k] = v
		}
	}
	return attrs
}

func newPreviewCommand(app *App) *cobra.Command {
	var flags documentFlags
	cmd := &cobra.Command{
		Use:   "preview <document-type> <document-id>",
		Short: "Show the stages a document would need",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := app.Engine.Preview(cmd.Context(), flags.document(args[0], args[1]))
			if err != nil {
				return err
			}
			newView(cmd.OutOrStdout()).stages(args[1], stages)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newSubmitCommand(app *App) *cobra.Command {
	var flags documentFlags
	var by string
	cmd := &cobra.Command{
		Use:   "submit <document-type> <document-id>",
		Short: "Submit a document for approval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := app.Engine.Submit(cmd.Context(), flags.document(args[0], args[1]), by)
			if err != nil {
				return err
			}
			if sub.AutoApproved {
				newView(cmd.OutOrStdout()).notice(args[1], "approved without workflow")
				return nil
			}
			return printStatus(cmd, app, args[1])
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&by, "by", "", "submitting user")
	return cmd
}

func newApproveCommand(app *App) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "approve <document-id> <stage-id>",
		Short: "Approve the current stage of a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.Engine.Approve(cmd.Context(), args[0], args[1], by); err != nil {
				return err
			}
			return printStatus(cmd, app, args[0])
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "approving user")
	return cmd
}

func newRejectCommand(app *App) *cobra.Command {
	var by, reason string
	cmd := &cobra.Command{
		Use:   "reject <document-id> <stage-id>",
		Short: "Reject a document at its current stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.Engine.Reject(cmd.Context(), args[0], args[1], by, reason); err != nil {
				return err
			}
			return printStatus(cmd, app, args[0])
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "rejecting user")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func newSkipCommand(app *App) *cobra.Command {
	var by, justification string
	cmd := &cobra.Command{
		Use:   "skip <document-id> <stage-id>",
		Short: "Skip the current stage of a document (administrative override)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.Engine.Skip(cmd.Context(), args[0], args[1], by, justification); err != nil {
				return err
			}
			return printStatus(cmd, app, args[0])
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "administrator")
	cmd.Flags().StringVar(&justification, "justification", "", "why the stage is skipped")
	return cmd
}

func newConfirmCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <document-id>",
		Short: "Confirm an approved document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.Engine.Confirm(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printStatus(cmd, app, args[0])
		},
	}
}

func newStatusCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show the approval progress of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd, app, args[0])
		},
	}
}

func newListCommand(app *App) *cobra.Command {
	var docType, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !types.OverallStatus(status).IsValid() {
				return fmt.Errorf("unknown status %q", status)
			}
			instances, err := app.Engine.List(cmd.Context(), storage.InstanceFilter{
				DocumentType: types.DocumentType(docType),
				Status:       types.OverallStatus(status),
			})
			if err != nil {
				return err
			}
			newView(cmd.OutOrStdout()).list(instances)
			return nil
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "filter by document type")
	cmd.Flags().StringVar(&status, "status", "", "filter by overall status")
	return cmd
}

func newRetireCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "retire <document-id>",
		Short: "Remove the approval instance of a deleted document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Engine.Retire(cmd.Context(), args[0]); err != nil {
				return err
			}
			newView(cmd.OutOrStdout()).notice(args[0], "retired")
			return nil
		},
	}
}

func newPurgeCommand(app *App) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove decided instances that have not changed for a while",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := app.Engine.PurgeTerminal(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d instances\n", removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "minimum age since the last decision")
	return cmd
}

func newConfigCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage workflow configs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "push",
		Short: "Store the workflows of the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wfs := app.Config.WorkflowConfigs()
			for _, wf := range wfs {
				if err := app.Engine.RegisterConfig(cmd.Context(), wf); err != nil {
					return fmt.Errorf("%s: %w", wf.DocumentType, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d workflow configs\n", len(wfs))
			return nil
		},
	})
	return cmd
}

func printStatus(cmd *cobra.Command, app *App, documentID string) error {
	p, err := app.Engine.Progress(cmd.Context(), documentID)
	if err != nil {
		return err
	}
	newView(cmd.OutOrStdout()).progress(p)
	return nil
}
