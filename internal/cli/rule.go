package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/rules"
	"github.com/hostsentry/hostsentry/pkg/types"
)

// The rule subcommands edit the local rule database directly. A running
// daemon picks changes up on its next lookup; cached decisions for the
// affected binaries persist until the cache is cleared or resets.
func newRuleCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage the local rule database",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML")

	openFromConfig := func() (*rules.Store, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return rules.Open(cfg.Rules.DBPath)
	}

	var ruleType, policy, message string
	add := &cobra.Command{
		Use:   "add <identifier>",
		Short: "Add or replace a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			r := types.Rule{
				Identifier: args[0],
				Type:       types.RuleType(ruleType),
				Policy:     types.RulePolicy(policy),
				CustomMsg:  message,
			}
			if err := store.Add(cmd.Context(), r); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s rule for %s (%s)\n", r.Policy, r.Identifier, r.Type)
			return nil
		},
	}
	add.Flags().StringVar(&ruleType, "type", "binary", "Rule type: binary|certificate|compiler|transitive|teamid|signingid|cdhash")
	add.Flags().StringVar(&policy, "policy", "deny", "Rule policy: allow|deny")
	add.Flags().StringVar(&message, "message", "", "Message shown to the user on denial")

	var removeType string
	remove := &cobra.Command{
		Use:   "remove <identifier>",
		Short: "Remove a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Remove(cmd.Context(), types.RuleType(removeType), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s rule for %s\n", removeType, args[0])
			return nil
		},
	}
	remove.Flags().StringVar(&removeType, "type", "binary", "Rule type")

	count := &cobra.Command{
		Use:   "count",
		Short: "Show rule totals by type",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := store.Counts(cmd.Context())
			if err != nil {
				return err
			}
			hash, err := store.Hash(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "binary:      %d\n", counts.Binary)
			fmt.Fprintf(w, "certificate: %d\n", counts.Certificate)
			fmt.Fprintf(w, "compiler:    %d\n", counts.Compiler)
			fmt.Fprintf(w, "transitive:  %d\n", counts.Transitive)
			fmt.Fprintf(w, "teamid:      %d\n", counts.TeamID)
			fmt.Fprintf(w, "signingid:   %d\n", counts.SigningID)
			fmt.Fprintf(w, "cdhash:      %d\n", counts.CDHash)
			fmt.Fprintf(w, "hash:        %s\n", hash)
			return nil
		},
	}

	cmd.AddCommand(add, remove, count)
	return cmd
}
