package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pitabwire/approvals/internal/capability"
	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/definition"
	"github.com/pitabwire/approvals/internal/notify"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

var (
	okColor    = color.New(color.FgGreen, color.Bold)
	errColor   = color.New(color.FgRed, color.Bold)
	titleColor = color.New(color.FgCyan, color.Bold)
	dimColor   = color.New(color.Faint)
)

// knownTypes lists the names a server built from this module resolves.
func knownTypes() *definition.KnownTypes {
	cfg := config.Defaults()
	pub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})

	behaviors := workflow.DefaultBehaviors(pub)
	notify.NewWebhookBehavior(cfg.Notify, nil, nil).Register(behaviors)
	guards := workflow.DefaultGuards(capability.NewResolver(nil, 0), capability.NewAssignments())
	hooks := workflow.DefaultHooks(nil, pub, cfg.Workflow.Events.TransitionTopic)

	return &definition.KnownTypes{
		Behaviors: behaviors.Names(),
		Guards:    guards.Names(),
		Hooks:     hooks.Names(),
	}
}

func directories(cmd *cobra.Command, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	return cmd.Flags().GetStringSlice("dir")
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dirs...]",
		Short: "Load and validate every definition file",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, err := directories(cmd, args)
			if err != nil {
				return err
			}
			files, err := definition.NewLoader().LoadAll(dirs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			verrs := definition.NewValidator(knownTypes()).Validate(files)
			if len(verrs) > 0 {
				for _, ve := range verrs {
					errColor.Fprint(out, "✗ ")
					fmt.Fprintf(out, "%s ", ve.Path)
					dimColor.Fprintf(out, "[%s] ", ve.Code)
					fmt.Fprintln(out, ve.Message)
				}
				return fmt.Errorf("%d validation errors", len(verrs))
			}

			workflows := 0
			for _, f := range files {
				workflows += len(f.Workflows)
			}
			okColor.Fprint(out, "✓ ")
			fmt.Fprintf(out, "%d files, %d workflows valid\n", len(files), workflows)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the workflows found in the definition directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := loadRegistry(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			all := registry.AllWorkflows()
			if len(all) == 0 {
				fmt.Fprintln(out, "No workflows found.")
				return nil
			}
			sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

			width := len("ID")
			for _, w := range all {
				width = max(width, len(w.ID))
			}
			titleColor.Fprintf(out, "%-*s  %-7s  %s\n", width, "ID", "ACTIONS", "SOURCE")
			for _, w := range all {
				fmt.Fprintf(out, "%-*s  %-7d  %s\n", width, w.ID, len(w.Actions), registry.SourceFile(w.ID))
			}
			return nil
		},
	}
}

func newGraphCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "graph <workflow-id>",
		Short: "Print a workflow's actions and transitions in sort order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := loadRegistry(cmd)
			if err != nil {
				return err
			}
			w, ok := registry.GetWorkflow(args[0])
			if !ok {
				return fmt.Errorf("workflow %q not found", args[0])
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(w)
			}
			printGraph(cmd, w)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the normalized definition as JSON")
	return cmd
}

// loadRegistry loads and validates the configured directories. Invalid
// definitions are refused so inspection never shows a graph the server
// would reject.
func loadRegistry(cmd *cobra.Command) (*definition.Registry, error) {
	dirs, err := cmd.Flags().GetStringSlice("dir")
	if err != nil {
		return nil, err
	}
	files, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return nil, err
	}
	if verrs := definition.NewValidator(knownTypes()).Validate(files); len(verrs) > 0 {
		return nil, fmt.Errorf("%d validation errors, run flowctl validate", len(verrs))
	}
	return definition.NewRegistry(files), nil
}

func printGraph(cmd *cobra.Command, w model.WorkflowDefinition) {
	out := cmd.OutOrStdout()

	actions := append([]model.ActionDefinition(nil), w.Actions...)
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].SortOrder < actions[j].SortOrder })

	titleColor.Fprintf(out, "%s", w.ID)
	fmt.Fprintf(out, " (%s)\n", w.Name)
	if len(w.AssignedUsers)+len(w.AssignedGroups) > 0 {
		dimColor.Fprintf(out, "  assignees: users=%s groups=%s\n",
			strings.Join(w.AssignedUsers, ","), strings.Join(w.AssignedGroups, ","))
	}

	for _, a := range actions {
		marker := " "
		if a.ID == w.InitialAction {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %d %s", marker, a.SortOrder, a.ID)
		dimColor.Fprintf(out, " [%s/%s edit=%s]\n", a.Type, a.Behavior, a.EditPolicy)

		if len(a.Transitions) == 0 {
			dimColor.Fprintln(out, "      (final)")
		}
		for _, t := range a.Transitions {
			fmt.Fprintf(out, "      %s -> %s", t.ID, t.To)
			if t.Guard != nil {
				fmt.Fprintf(out, " if %s%s", t.Guard.Type, formatParams(t.Guard.Params))
			}
			for _, h := range t.Hooks {
				fmt.Fprintf(out, " then %s%s", h.Type, formatParams(h.Params))
			}
			fmt.Fprintln(out)
		}
	}
}

func formatParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + params[k]
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
