package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/mobyclaw/mobyclaw/internal/config"
)

// NewInitCommand returns the onboarding subcommand.
func NewInitCommand() *cli.Command {
	return &cli.Command{
		Name:   "init",
		Usage:  "Initialize the mobyclaw home directory (~/.mobyclaw)",
		Action: runInit,
	}
}

func runInit(_ context.Context, _ *cli.Command) error {
	root := config.DataRoot()
	created := false

	dirs := []string{
		root,
		filepath.Dir(config.InnerStatePath()),
		config.SchedulesDir(),
		config.ExplorationsDir(),
	}
	for _, d := range dirs {
		if _, err := os.Stat(d); err != nil {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", d, err)
			}
			fmt.Printf("  Created %s\n", d)
			created = true
		}
	}

	dotenvPath := config.DotenvPath()
	if _, err := os.Stat(dotenvPath); err != nil {
		if err := os.WriteFile(dotenvPath, []byte(defaultDotenv), 0o600); err != nil {
			return fmt.Errorf("write .env: %w", err)
		}
		fmt.Printf("  Created %s\n", dotenvPath)
		created = true
	}

	selfPath := config.SelfPath()
	if _, err := os.Stat(selfPath); err != nil {
		if err := os.WriteFile(selfPath, []byte(defaultSelf), 0o644); err != nil {
			return fmt.Errorf("write SELF.md: %w", err)
		}
		fmt.Printf("  Created %s\n", selfPath)
		created = true
	}

	if !created {
		fmt.Printf("Already initialized — %s is complete. Nothing to do.\n", root)
		return nil
	}

	fmt.Println(initMessage(root))
	return nil
}

const defaultDotenv = `# mobyclaw environment variables
# This file is loaded automatically. Existing process env vars are never overridden.

# AGENT_URL=http://127.0.0.1:8787
# AGENT_NAME=agent
# DASHBOARD_URL=
# TELEGRAM_BOT_TOKEN=
# TELEGRAM_ALLOWED_USERS=
# PORT=3000
`

const defaultSelf = `# Self

## Mood

## On my mind
`

func initMessage(root string) string {
	return fmt.Sprintf(`
  Home set up at %s
  .env, SELF.md, state/, schedules/, explorations/ — all in there.

  Next steps:
    1. Point AGENT_URL at your running upstream agent runtime
    2. Drop a Telegram bot token in %s/.env if you want that adapter
    3. Run: mobyclaw gateway

`, root, root)
}
