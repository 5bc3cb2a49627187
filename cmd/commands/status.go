package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/mobyclaw/mobyclaw/internal/config"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Query the running gateway's /status endpoint",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			url := "http://127.0.0.1:" + strconv.Itoa(cfg.Port) + "/status"
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				fmt.Println("Gateway: NOT RUNNING")
				return nil
			}
			defer resp.Body.Close()

			var status map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			fmt.Printf("Gateway: ALIVE (uptime %v)\n", status["uptime"])
			fmt.Printf("  session busy: %v, queue length: %v, queue mode: %v\n",
				status["session_busy"], status["queue_length"], status["queue_mode"])
			fmt.Printf("  schedules pending: %v\n", status["schedules_pending"])
			return nil
		},
	}
}
