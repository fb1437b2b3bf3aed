package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentd/internal/events"
)

var (
	eventsPlan  bool
	eventsAfter uint64
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().BoolVar(&eventsPlan, "plan", false, "treat the id as a plan and follow its execution stream")
	eventsCmd.Flags().Uint64Var(&eventsAfter, "after", 0, "resume after this sequence number")
}

// eventsCmd follows a conversation or execution event stream
var eventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Follow a conversation or plan event stream",
	Long: `Follow the server-sent event stream of a conversation, or of a plan's
execution with --plan. The command exits when the stream ends.

Examples:
  agentctl events 3f2c...
  agentctl events --plan 9a1b... --after 12`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := conversationPath(args[0], "events")
		if eventsPlan {
			path = planPath(args[0], "events")
		}
		return followEvents(cmd.Context(), newStreamClient(), path, eventsAfter, func(e events.Event) error {
			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(e)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), renderEvent(e))
			return err
		})
	},
}

// newStreamClient returns a client without a request timeout.
func newStreamClient() *client {
	c := newClient()
	c.http = &http.Client{}
	return c
}

// followEvents reads an SSE stream and calls fn for every event until the
// server closes the stream or ctx ends.
func followEvents(ctx context.Context, c *client, path string, after uint64, fn func(events.Event) error) error {
	req, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if after > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", after))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open stream %s: %w", req.URL, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return readSSE(resp.Body, fn)
}

// readSSE decodes the data field of each SSE message as an event.
// Comments and unknown fields are ignored.
func readSSE(r io.Reader, fn func(events.Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var data strings.Builder
	flush := func() error {
		if data.Len() == 0 {
			return nil
		}
		defer data.Reset()
		var e events.Event
		if err := json.Unmarshal([]byte(data.String()), &e); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		return fn(e)
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return flush()
}
