// File: cmd/sessions.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/otpgate/internal/browser"
	"github.com/xkilldash9x/otpgate/internal/config"
	"github.com/xkilldash9x/otpgate/internal/observability"
	"github.com/xkilldash9x/otpgate/internal/otpflow"
	"github.com/xkilldash9x/otpgate/internal/session"
	"github.com/xkilldash9x/otpgate/internal/store"
)

const remoteTimeout = 30 * time.Second

// eventReader is the part of the audit store that history needs.
type eventReader interface {
	RecentEvents(ctx context.Context, sessionID string, limit int) ([]session.Event, error)
}

// openEventReader connects to the audit database. Replaced in tests.
var openEventReader = func(ctx context.Context, url string, logger *zap.Logger) (eventReader, func(), error) {
	pool, err := store.Connect(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool.Close, nil
}

func newSessionsCmd() *cobra.Command {
	var server string

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and maintain the session table",
	}
	sessionsCmd.PersistentFlags().StringVar(&server, "server", "", "base URL of a running otpgate (default: an in-process table)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if server != "" {
				return callRemote(cmd, http.MethodGet, server, "/sessions")
			}
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			table, browserMgr := newLocalTable(cfg, observability.GetLogger())
			list := table.List()
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"success":  true,
				"count":    len(list),
				"sessions": list,
				"browser":  map[string]bool{"initialized": browserMgr.Initialized()},
			})
		},
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove sessions past session.max_age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if server != "" {
				return callRemote(cmd, http.MethodPost, server, "/cleanup")
			}
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			table, browserMgr := newLocalTable(cfg, observability.GetLogger())
			removed := table.Cleanup(cmd.Context())
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"success":   true,
				"removed":   removed,
				"remaining": table.Count(),
				"browser":   map[string]bool{"initialized": browserMgr.Initialized()},
			})
		},
	}

	var limit int
	historyCmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Show the audit trail for a session from the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is not configured (OTPGATE_DATABASE_URL)")
			}
			if limit < 1 {
				return fmt.Errorf("--limit must be a positive integer")
			}
			reader, closeFn, err := openEventReader(cmd.Context(), cfg.Database.URL, observability.GetLogger())
			if err != nil {
				return fmt.Errorf("failed to open audit store: %w", err)
			}
			defer closeFn()

			events, err := reader.RecentEvents(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return writeHistory(cmd.OutOrStdout(), args[0], events)
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of events to show")

	sessionsCmd.AddCommand(listCmd, cleanupCmd, historyCmd)
	return sessionsCmd
}

// newLocalTable builds an empty in-process table. The browser is launched
// lazily, so nothing here starts Chrome.
func newLocalTable(cfg *config.Config, logger *zap.Logger) (*session.Manager, *browser.Manager) {
	browserMgr := browser.NewManager(cfg.Browser, logger)
	driver := otpflow.NewDriver(cfg.OTP, logger)
	return session.NewManager(browserMgr, driver, cfg.OTP.TTL, cfg.Session, logger), browserMgr
}

// callRemote issues one request against a running server and copies its JSON body to stdout.
func callRemote(cmd *cobra.Command, method, server, path string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
	defer cancel()

	url := strings.TrimRight(server, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("invalid server URL %q: %w", server, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("server returned invalid JSON: %w", err)
	}
	return writeJSON(cmd.OutOrStdout(), decoded)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeHistory(w io.Writer, sessionID string, events []session.Event) error {
	if len(events) == 0 {
		_, err := fmt.Fprintf(w, "No events recorded for session %s.\n", sessionID)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tGENERATION\tTAB\tPHONE\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.At.UTC().Format(time.RFC3339), e.Kind, e.Generation, e.TabID, e.Phone, e.Detail)
	}
	return tw.Flush()
}
