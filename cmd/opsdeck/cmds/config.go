package cmds

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	var showSecrets bool
	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *app.Config
			if !showSecrets {
				c.Feed.Token = redact(c.Feed.Token)
				c.Chat.Token = redact(c.Chat.Token)
			}
			return writeYAML(cmd, c)
		},
	}
	printCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print tokens instead of redacting them")
	cmd.AddCommand(printCmd)
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func writeYAML(cmd *cobra.Command, v interface{}) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "render yaml")
	}
	return enc.Close()
}
