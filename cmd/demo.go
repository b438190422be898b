package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/beckchat/beck/pkg/config"
	"github.com/beckchat/beck/pkg/fakeagent"
	"github.com/beckchat/beck/pkg/logger"
)

var (
	demoAddr      string
	demoSentences int
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Stream a generated turn from a built-in fake server",
	Long: `Starts an in-process agent server that scripts a plausible assistant
turn, runs the client against it, and prints the reconciled result.
No real backend required.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDemo(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func runDemo() error {
	cfg := config.Default()
	cfg.Server.URL = "http://" + demoAddr
	cfg.Logging.LogFile = "" // demo logs to stderr
	config.Set(cfg)
	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	server := fakeagent.NewServer(fakeagent.Config{
		Heartbeat: 10 * time.Second,
		Scripter: func(sessionID, messageID, text string) *fakeagent.Tape {
			return fakeagent.LoremTape(sessionID, messageID, demoSentences)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx, demoAddr)
	})

	if err := waitReachable(ctx, cfg.Server.URL); err != nil {
		cancel()
		g.Wait()
		return err
	}

	err := RunPrompt(ctx, cfg, "demo", "show me a streamed reply", os.Stdout)
	cancel()
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// waitReachable polls the server's history endpoint until it answers.
func waitReachable(ctx context.Context, baseURL string) error {
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		resp, err := client.Get(baseURL + "/api/sessions/demo/messages")
		if err == nil {
			resp.Body.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("demo server did not come up at %s", baseURL)
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().StringVar(&demoAddr, "addr", "127.0.0.1:8420", "address for the in-process server")
	demoCmd.Flags().IntVar(&demoSentences, "sentences", 4, "length of the generated answer")
}
