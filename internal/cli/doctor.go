package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/concord-relay/concord/internal/config"
	"github.com/concord-relay/concord/internal/relay"
	"github.com/concord-relay/concord/internal/store"
)

type doctorStatus string

const (
	doctorPass doctorStatus = "PASS"
	doctorWarn doctorStatus = "WARN"
	doctorFail doctorStatus = "FAIL"
)

type doctorCheck struct {
	Name    string
	Status  doctorStatus
	Message string
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run config and setup diagnostics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		failures := 0
		for _, check := range runDoctor() {
			if check.Status == doctorFail {
				failures++
			}
			printCheck(cmd.OutOrStdout(), check)
		}
		if failures > 0 {
			return fmt.Errorf("doctor found %d failing check(s)", failures)
		}
		return nil
	},
}

func printCheck(w io.Writer, c doctorCheck) {
	fmt.Fprintf(w, "[%s] %s: %s\n", c.Status, c.Name, c.Message)
}

func runDoctor() []doctorCheck {
	var checks []doctorCheck

	path, err := config.ConfigPath()
	switch {
	case err != nil:
		checks = append(checks, doctorCheck{"config", doctorFail, err.Error()})
	default:
		if _, statErr := os.Stat(path); statErr != nil {
			checks = append(checks, doctorCheck{"config", doctorWarn, "no config file at " + path + " (defaults and env only)"})
		} else {
			checks = append(checks, doctorCheck{"config", doctorPass, path})
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return append(checks, doctorCheck{"load", doctorFail, err.Error()})
	}

	if strings.TrimSpace(cfg.Discord.Token) == "" {
		checks = append(checks, doctorCheck{"token", doctorFail, "discord token is not set"})
	} else {
		checks = append(checks, doctorCheck{"token", doctorPass, "discord token is set"})
	}

	if _, err := relay.ParseResolution(cfg.Relay.OverflowPolicy); err != nil {
		checks = append(checks, doctorCheck{"overflow", doctorFail, err.Error()})
	} else {
		checks = append(checks, doctorCheck{"overflow", doctorPass, cfg.Relay.OverflowPolicy})
	}

	checks = append(checks, checkDatabase(cfg.Database.Path))

	var sinks []string
	if cfg.Events.Slack.WebhookURL != "" {
		sinks = append(sinks, "slack")
	}
	if cfg.Events.Kafka.Brokers != "" {
		if cfg.Events.Kafka.Topic == "" {
			checks = append(checks, doctorCheck{"events", doctorFail, "kafka brokers set without a topic"})
		}
		sinks = append(sinks, "kafka")
	}
	if len(sinks) == 0 {
		checks = append(checks, doctorCheck{"events", doctorPass, "log only"})
	} else {
		checks = append(checks, doctorCheck{"events", doctorPass, "log, " + strings.Join(sinks, ", ")})
	}
	return checks
}

func checkDatabase(raw string) doctorCheck {
	path, err := config.ExpandPath(raw)
	if err != nil {
		return doctorCheck{"database", doctorFail, err.Error()}
	}
	if err := config.EnsureDir(filepath.Dir(path)); err != nil {
		return doctorCheck{"database", doctorFail, err.Error()}
	}
	s, err := store.Open(path)
	if err != nil {
		return doctorCheck{"database", doctorFail, err.Error()}
	}
	s.Close()
	return doctorCheck{"database", doctorPass, path}
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
