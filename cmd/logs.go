// File: cmd/logs.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hpcloud/tail"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var follow bool
	var sessionID string

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the otpgate log file (logger.log_file)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cfg.Logger.LogFile == "" {
				return errors.New("logger.log_file is not configured (OTPGATE_LOGGER_LOG_FILE)")
			}
			return printLog(cmd.Context(), cmd.OutOrStdout(), cfg.Logger.LogFile, follow, sessionID)
		},
	}

	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "start at the end of the file and keep printing new lines")
	logsCmd.Flags().StringVar(&sessionID, "session", "", "only print lines logged for this session id")
	return logsCmd
}

// zapJSON quotes strings the way zap's JSON encoder does, without HTML escaping.
var zapJSON = json.Config{EscapeHTML: false}.Froze()

// sessionFieldNeedle is the exact session_id field the compact JSON file core
// writes for id.
func sessionFieldNeedle(id string) string {
	quoted, _ := zapJSON.Marshal(id)
	return `"session_id":` + string(quoted)
}

// printLog copies the JSON log file at path to w. With follow it starts at the
// end and runs until ctx is canceled, surviving rotation.
func printLog(ctx context.Context, w io.Writer, path string, follow bool, sessionID string) error {
	tcfg := tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	}
	if follow {
		tcfg.Location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	}
	t, err := tail.TailFile(path, tcfg)
	if err != nil {
		return fmt.Errorf("failed to tail log file: %w", err)
	}
	defer func() {
		t.Stop()
		t.Cleanup()
	}()

	var needle string
	if sessionID != "" {
		needle = sessionFieldNeedle(sessionID)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				return fmt.Errorf("error reading log file: %w", line.Err)
			}
			if needle != "" && !strings.Contains(line.Text, needle) {
				continue
			}
			if _, err := fmt.Fprintln(w, line.Text); err != nil {
				return err
			}
		}
	}
}
