package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blnkfinance/settle/config"
)

const redacted = "********"

// configCommands prints the computed configuration with secrets redacted.
func configCommands(s *settleInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instance's computed configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(redactConfig(*s.cnf), "", "    ")
			if err != nil {
				return fmt.Errorf("error printing config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	return cmd
}

func redactConfig(cnf config.Configuration) config.Configuration {
	mask := func(v *string) {
		if *v != "" {
			*v = redacted
		}
	}
	mask(&cnf.Server.SecretKey)
	mask(&cnf.Server.JWTSecret)
	mask(&cnf.TypeSenseKey)
	mask(&cnf.PostHogKey)
	mask(&cnf.Notification.Slack.WebhookUrl)

	rails := make(map[string]config.RailConfig, len(cnf.Rails))
	for code, rail := range cnf.Rails {
		mask(&rail.APIKey)
		rails[code] = rail
	}
	cnf.Rails = rails
	return cnf
}
