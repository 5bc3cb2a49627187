package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/mobyclaw/mobyclaw/internal/config"
)

// NewScheduleCommand returns the schedule subcommand, a thin CLI wrapper
// over the running gateway's /api/schedules CRUD endpoints.
func NewScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Manage the gateway's pending schedules",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List schedules, optionally filtered by status",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "pending|delivered|cancelled"},
				},
				Action: runScheduleList,
			},
			{
				Name:  "create",
				Usage: "Create a one-shot or recurring schedule",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "due", Usage: "RFC3339 due time", Required: true},
					&cli.StringFlag{Name: "message", Usage: "literal message to deliver"},
					&cli.StringFlag{Name: "prompt", Usage: "prompt to run through the agent first"},
					&cli.StringFlag{Name: "channel", Usage: "channel id, defaults to the gateway's default channel"},
					&cli.StringFlag{Name: "repeat", Usage: "daily|weekdays|weekly|monthly|<cron>"},
				},
				Action: runScheduleCreate,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a pending schedule",
				ArgsUsage: "<id>",
				Action:    runScheduleCancel,
			},
		},
		DefaultCommand: "list",
	}
}

func gatewayBaseURL() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return "http://127.0.0.1:" + strconv.Itoa(cfg.Port), nil
}

func runScheduleList(ctx context.Context, cmd *cli.Command) error {
	base, err := gatewayBaseURL()
	if err != nil {
		return err
	}
	url := base + "/api/schedules"
	if status := cmd.String("status"); status != "" {
		url += "?status=" + status
	}

	resp, err := httpGet(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var list []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("decode schedules: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No schedules found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDUE\tSTATUS\tCHANNEL\tREPEAT")
	for _, s := range list {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n", s["id"], s["due"], s["status"], s["channel"], s["repeat"])
	}
	return w.Flush()
}

func runScheduleCreate(ctx context.Context, cmd *cli.Command) error {
	due, err := time.Parse(time.RFC3339, cmd.String("due"))
	if err != nil {
		return fmt.Errorf("invalid --due: %w", err)
	}
	body := map[string]any{
		"due":     due,
		"message": cmd.String("message"),
		"prompt":  cmd.String("prompt"),
		"channel": cmd.String("channel"),
		"repeat":  cmd.String("repeat"),
	}

	base, err := gatewayBaseURL()
	if err != nil {
		return err
	}
	resp, err := httpPostJSON(ctx, base+"/api/schedules", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("create schedule: %s: %s", resp.Status, msg)
	}

	var created map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("decode created schedule: %w", err)
	}
	fmt.Printf("Created schedule %v, due %v\n", created["id"], created["due"])
	return nil
}

func runScheduleCancel(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("schedule id is required")
	}
	base, err := gatewayBaseURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, base+"/api/schedules/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel schedule: %s", resp.Status)
	}
	fmt.Printf("Cancelled schedule %s\n", id)
	return nil
}

func httpGet(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

func httpPostJSON(ctx context.Context, url string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}
