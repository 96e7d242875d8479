package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/b55585wy/SGGG/internal/logging"
	"github.com/b55585wy/SGGG/internal/telemetry"
)

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay [events.json]",
	Short: "Replay recorded telemetry events",
	Long: `Send previously recorded events to the reporting endpoint in batches.
The file holds a report body ({"events": [...]}) or a bare array of events.
Replaying the same file twice is safe: events are deduplicated by event_id.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw json.RawMessage
		if err := readJSONFile(args[0], &raw); err != nil {
			return err
		}
		events, err := parseEvents(raw)
		if err != nil {
			return err
		}
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		rep := telemetry.NewHTTPReporter(serverURL, httpOptions()...)
		total, err := replay(cmd.Context(), rep, events, batchSize)
		if err != nil {
			return err
		}
		printOutput(cmd.OutOrStdout(), total, func(w io.Writer) {
			fmt.Fprintf(w, "Replayed %d events\n", len(events))
			fmt.Fprintf(w, "  Accepted: %d\n", total.Accepted)
			fmt.Fprintf(w, "  Deduped: %d\n", total.Deduped)
			fmt.Fprintf(w, "  Rejected: %d\n", total.Rejected)
		})
		return nil
	},
}

// parseEvents accepts a report body or a bare event array.
func parseEvents(raw json.RawMessage) ([]telemetry.Event, error) {
	if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
		var events []telemetry.Event
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		return events, nil
	}
	var req telemetry.ReportRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return req.Events, nil
}

// replay reports events in batches of size and sums the results.
func replay(ctx context.Context, rep telemetry.Reporter, events []telemetry.Event, size int) (telemetry.ReportResult, error) {
	var total telemetry.ReportResult
	if size <= 0 {
		size = telemetry.DefaultFlushThreshold
	}
	for start := 0; start < len(events); start += size {
		end := min(start+size, len(events))
		rctx, cancel := context.WithTimeout(ctx, timeout)
		res, err := rep.Report(rctx, events[start:end])
		cancel()
		if err != nil {
			return total, fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
		total.Accepted += res.Accepted
		total.Deduped += res.Deduped
		total.Rejected += res.Rejected
	}
	return total, nil
}

// trackCmd represents the track command
var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Track a single telemetry event",
	Long: `Track one event for a session through the telemetry buffer and flush it.

Example:
  storyctl track --session ss_0123456789abcdef --story st_1 --page p1 \
    --type interaction --payload '{"event_key":"tap","latency_ms":420}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		sessionID, _ := f.GetString("session")
		storyID, _ := f.GetString("story")
		pageID, _ := f.GetString("page")
		eventType, _ := f.GetString("type")
		payload, _ := f.GetString("payload")

		t := telemetry.EventType(eventType)
		p, err := telemetry.DecodePayload(t, json.RawMessage(payload))
		if err != nil {
			return err
		}

		rep := &recordingReporter{Reporter: telemetry.NewHTTPReporter(serverURL, httpOptions()...)}
		buf := telemetry.New(sessionID, storyID, rep,
			telemetry.WithInterval(0),
			telemetry.WithLogger(logging.New("storyctl").WithOutput(cmd.ErrOrStderr())),
		)
		buf.Track(t, p, pageID)

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		buf.Flush(ctx)
		pending := buf.Len()
		buf.Unload()
		if pending > 0 {
			return fmt.Errorf("event not delivered: %w", rep.err)
		}
		printOutput(cmd.OutOrStdout(), rep.res, func(w io.Writer) {
			fmt.Fprintf(w, "Tracked %s on %s (accepted %d, deduped %d, rejected %d)\n",
				t, sessionID, rep.res.Accepted, rep.res.Deduped, rep.res.Rejected)
		})
		return nil
	},
}

// recordingReporter keeps the last outcome of the wrapped reporter.
type recordingReporter struct {
	telemetry.Reporter
	res telemetry.ReportResult
	err error
}

func (r *recordingReporter) Report(ctx context.Context, events []telemetry.Event) (telemetry.ReportResult, error) {
	r.res, r.err = r.Reporter.Report(ctx, events)
	return r.res, r.err
}

func init() {
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(trackCmd)

	replayCmd.Flags().Int("batch-size", telemetry.DefaultFlushThreshold, "events per report call")

	f := trackCmd.Flags()
	f.String("session", "", "session ID (required)")
	f.String("story", "", "story ID (required)")
	f.String("page", "", "page ID")
	f.String("type", "", "event type, e.g. page_view or interaction (required)")
	f.String("payload", "{}", "event payload as JSON")
	_ = trackCmd.MarkFlagRequired("session")
	_ = trackCmd.MarkFlagRequired("story")
	_ = trackCmd.MarkFlagRequired("type")
}
