package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/beckchat/beck/pkg/chat"
	"github.com/beckchat/beck/pkg/config"
	"github.com/beckchat/beck/pkg/logger"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print a session's stored messages",
	Long:  `Page through every message the server has stored for a session, newest first.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		if err := logger.Init(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
			os.Exit(1)
		}

		sessionID := viper.GetString("session")
		if sessionID == "" {
			fmt.Fprintln(os.Stderr, "Error: --session is required")
			os.Exit(1)
		}

		if err := printHistory(context.Background(), cfg, sessionID, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func printHistory(ctx context.Context, cfg *config.Config, sessionID string, out io.Writer) error {
	client := chat.NewClient(cfg.Server.URL, cfg.Server.Timeout)

	cursor := ""
	for {
		page, err := client.History(ctx, sessionID, cursor, cfg.History.PageSize)
		if err != nil {
			return err
		}
		for _, m := range page.Messages {
			fmt.Fprintf(out, "%s  %-9s  %s\n",
				m.CreatedAt.Format(time.RFC3339), m.Role, m.Text())
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

func init() {
	rootCmd.AddCommand(historyCmd)
}
