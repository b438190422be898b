package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/beckchat/beck/pkg/config"
	"github.com/beckchat/beck/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "beck",
	Short: "Streaming chat client",
	Long: `Beck talks to a chat agent server and reconciles its event stream
into a consistent transcript: out-of-order, duplicated, and dropped
deliveries all converge to the same final message.`,
	Run: func(cmd *cobra.Command, args []string) {
		prompt := viper.GetString("prompt")
		if prompt == "" {
			cmd.Help()
			return
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		if err := logger.Init(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := RunPrompt(ctx, cfg, viper.GetString("session"), prompt, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is .beck/settings.yaml)")

	rootCmd.PersistentFlags().String("server", "", "chat server base URL")
	viper.BindPFlag("server.url", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level")
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().StringP("session", "s", "", "session id to send into (default is a fresh session)")
	viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))

	rootCmd.PersistentFlags().StringP("prompt", "p", "", "send a prompt and print the reconciled reply")
	viper.BindPFlag("prompt", rootCmd.PersistentFlags().Lookup("prompt"))
}
