package app

import (
	"strings"

	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/execution"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newActionsCommand() *cobra.Command {
	root := &cobra.Command{Use: "actions", Short: "Inspect planned actions"}

	var filter execution.ListFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List persisted actions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if filter.Status != "" {
				switch execution.ActionStatus(filter.Status) {
				case execution.ActionStatusPlanned, execution.ActionStatusRunning, execution.ActionStatusCompleted, execution.ActionStatusFailed:
				default:
					return clierr.Newf(clierr.CodeUsage, "unsupported --status %q", filter.Status)
				}
			}
			if err := s.ensureActionStore(); err != nil {
				return err
			}
			actions, err := s.actionStore.List(filter)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list actions", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), actions, nil, nil)
		},
	}
	list.Flags().StringVar(&filter.Status, "status", "", "Filter by status (planned|running|completed|failed)")
	list.Flags().StringVar(&filter.Intent, "intent", "", "Filter by intent type")
	list.Flags().StringVar(&filter.Account, "account", "", "Filter by from address")
	list.Flags().IntVar(&filter.Limit, "limit", 20, "Maximum actions to return")

	var showID string
	show := &cobra.Command{
		Use:   "show [action-id]",
		Short: "Show one persisted action",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			positional := ""
			if len(args) == 1 {
				positional = args[0]
			}
			actionID, err := resolveActionID(showID, positional)
			if err != nil {
				return err
			}
			action, err := s.loadAction(actionID)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, nil)
		},
	}
	show.Flags().StringVar(&showID, "action-id", "", "Action identifier")

	root.AddCommand(list)
	root.AddCommand(show)
	return root
}

func (s *runtimeState) loadAction(raw string) (execution.Action, error) {
	actionID, err := resolveActionID(raw, "")
	if err != nil {
		return execution.Action{}, err
	}
	if err := s.ensureActionStore(); err != nil {
		return execution.Action{}, err
	}
	action, err := s.actionStore.Get(actionID)
	if err != nil {
		return execution.Action{}, clierr.Wrap(clierr.CodeUsage, "load action", err)
	}
	return action, nil
}

// resolveActionID accepts the ID from --action-id or the positional argument.
func resolveActionID(flagValue, positional string) (string, error) {
	flagValue = strings.TrimSpace(flagValue)
	positional = strings.TrimSpace(positional)
	if flagValue != "" && positional != "" && flagValue != positional {
		return "", clierr.New(clierr.CodeUsage, "--action-id and the positional action id differ")
	}
	actionID := flagValue
	if actionID == "" {
		actionID = positional
	}
	if actionID == "" {
		return "", clierr.New(clierr.CodeUsage, "--action-id is required")
	}
	if !execution.ValidActionID(actionID) {
		return "", clierr.Newf(clierr.CodeUsage, "invalid action id %q", actionID)
	}
	return actionID, nil
}
