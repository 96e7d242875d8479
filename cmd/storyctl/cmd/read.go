package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"github.com/b55585wy/SGGG/internal/api"
	"github.com/b55585wy/SGGG/internal/config"
	"github.com/b55585wy/SGGG/internal/logging"
	"github.com/b55585wy/SGGG/internal/reader"
	"github.com/b55585wy/SGGG/internal/story"
	"github.com/b55585wy/SGGG/internal/telemetry"
)

// readOptions control a simulated reading of one draft.
type readOptions struct {
	register    bool
	parent      string
	clientToken string
	choices     map[string]string // page_id -> choice_id
	exitAfter   int
	readAloud   bool
	latency     time.Duration
	pageDelay   time.Duration
	unload      bool
	tryLevel    story.TryLevel
	abortReason story.AbortReason
	feedback    bool
	beacon      string // http or nsq
	nsqdAddr    string
	beaconTopic string
	logOut      io.Writer
}

const (
	beaconHTTP = "http"
	beaconNSQ  = "nsq"
)

// beaconProducer is the part of *nsq.Producer the NSQ beacon needs.
type beaconProducer interface {
	telemetry.AsyncPublisher
	Stop()
}

var newNSQProducer = func(addr string) (beaconProducer, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ReadSummary is the outcome of a simulated reading.
type ReadSummary struct {
	StoryID      string               `json:"story_id"`
	SessionID    string               `json:"session_id"`
	Status       story.FeedbackStatus `json:"status"`
	PagesVisited int                  `json:"pages_visited"`
	Events       int                  `json:"events_tracked"`
	Feedback     bool                 `json:"feedback_submitted"`
}

// countingTracker counts the events a reader tracks.
type countingTracker struct {
	reader.Tracker
	n int
}

func (c *countingTracker) Track(t telemetry.EventType, p telemetry.Payload, pageID string) {
	c.n++
	c.Tracker.Track(t, p, pageID)
}

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read [draft.json]",
	Short: "Simulate a child reading a story",
	Long: `Play a story draft page by page the way the reader view does: start a
session, track page views, dwell, interactions, branch choices and read-aloud
toggles through the telemetry buffer, then flush on completion or exit.

Examples:
  storyctl read draft.json --register
  storyctl read draft.json --choose p3=left --read-aloud
  storyctl read draft.json --exit-after 2 --abort-reason bored --feedback
  storyctl read draft.json --unload --beacon nsq --nsqd localhost:4150`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDraft(args[0])
		if err != nil {
			return err
		}
		opts, err := readOptionsFromFlags(cmd)
		if err != nil {
			return err
		}

		client := newClient()
		ctx := cmd.Context()
		sum, err := simulateRead(ctx, client, d, opts, config.FromEnv().Client)
		if err != nil {
			return err
		}
		printOutput(cmd.OutOrStdout(), sum, func(w io.Writer) {
			fmt.Fprintf(w, "Read story %s in session %s\n", sum.StoryID, sum.SessionID)
			fmt.Fprintf(w, "  Status: %s\n", sum.Status)
			fmt.Fprintf(w, "  Pages visited: %d\n", sum.PagesVisited)
			fmt.Fprintf(w, "  Events tracked: %d\n", sum.Events)
			if sum.Feedback {
				fmt.Fprintln(w, "  Feedback submitted")
			}
		})
		return nil
	},
}

func readOptionsFromFlags(cmd *cobra.Command) (readOptions, error) {
	f := cmd.Flags()
	var o readOptions
	o.register, _ = f.GetBool("register")
	o.parent, _ = f.GetString("parent")
	o.clientToken, _ = f.GetString("client-token")
	o.choices, _ = f.GetStringToString("choose")
	o.exitAfter, _ = f.GetInt("exit-after")
	o.readAloud, _ = f.GetBool("read-aloud")
	o.latency, _ = f.GetDuration("latency")
	o.pageDelay, _ = f.GetDuration("page-delay")
	o.unload, _ = f.GetBool("unload")
	o.feedback, _ = f.GetBool("feedback")
	o.beacon, _ = f.GetString("beacon")
	o.nsqdAddr, _ = f.GetString("nsqd")
	o.beaconTopic, _ = f.GetString("beacon-topic")
	o.logOut = cmd.ErrOrStderr()
	if o.beacon != beaconHTTP && o.beacon != beaconNSQ {
		return o, fmt.Errorf("invalid beacon %q (want %s or %s)", o.beacon, beaconHTTP, beaconNSQ)
	}

	try, _ := f.GetString("try-level")
	abort, _ := f.GetString("abort-reason")
	o.tryLevel = story.TryLevel(try)
	o.abortReason = story.AbortReason(abort)
	if o.tryLevel != "" && !o.tryLevel.Valid() {
		return o, fmt.Errorf("invalid try level %q", try)
	}
	if o.abortReason != "" && !o.abortReason.Valid() {
		return o, fmt.Errorf("invalid abort reason %q", abort)
	}
	if o.clientToken == "" {
		o.clientToken = uuid.NewString()
	}
	return o, nil
}

// simulateRead registers (optionally), starts a session and walks the draft
// through a reader session backed by a telemetry buffer.
func simulateRead(ctx context.Context, client *api.Client, d story.Draft, o readOptions, cc config.Client) (ReadSummary, error) {
	if err := d.Validate(); err != nil {
		return ReadSummary{}, err
	}
	if o.register {
		id, err := client.RegisterStory(ctx, api.StoryRegisterRequest{Draft: d, ParentStoryID: o.parent})
		if err != nil {
			return ReadSummary{}, fmt.Errorf("failed to register story: %w", err)
		}
		d.StoryID = id
	}

	start, err := client.StartSession(ctx, d.StoryID, o.clientToken)
	if err != nil {
		return ReadSummary{}, fmt.Errorf("failed to start session: %w", err)
	}

	beacon, release, err := openBeacon(client.BaseURL(), o)
	if err != nil {
		return ReadSummary{}, err
	}
	logOut := o.logOut
	if logOut == nil {
		logOut = os.Stderr
	}
	buf := telemetry.New(start.SessionID, d.StoryID,
		telemetry.NewHTTPReporter(client.BaseURL(), httpOptions()...),
		telemetry.WithInterval(cc.FlushInterval),
		telemetry.WithThreshold(cc.FlushAt),
		telemetry.WithMaxBuffered(cc.MaxBuffered),
		telemetry.WithBeacon(beacon),
		telemetry.WithLogger(logging.New("storyctl").WithOutput(logOut)),
	)
	tracker := &countingTracker{Tracker: buf}

	sum := ReadSummary{StoryID: d.StoryID, SessionID: start.SessionID}
	rs := reader.NewSession(&d, tracker)
	walkErr := walk(ctx, rs, &d, o, &sum)

	if o.unload {
		buf.Unload()
	} else {
		buf.Close(ctx)
	}
	release()
	sum.Events = tracker.n
	sum.Status = rs.Status()
	if walkErr != nil {
		return sum, walkErr
	}

	if o.feedback && sum.Status != "" {
		req := api.FeedbackSubmitRequest{SessionID: start.SessionID, Status: sum.Status, TryLevel: o.tryLevel}
		if sum.Status == story.StatusAborted {
			req.AbortReason = o.abortReason
		}
		if err := client.SubmitFeedback(ctx, req); err != nil {
			return sum, fmt.Errorf("failed to submit feedback: %w", err)
		}
		sum.Feedback = true
	}
	return sum, nil
}

// openBeacon builds the unload transport named by o.beacon. release waits for
// the HTTP beacon or stops the NSQ producer.
func openBeacon(baseURL string, o readOptions) (telemetry.Beacon, func(), error) {
	switch o.beacon {
	case "", beaconHTTP:
		b := telemetry.NewHTTPBeacon(baseURL, httpOptions()...)
		return b, func() { b.Wait(2 * time.Second) }, nil
	case beaconNSQ:
		prod, err := newNSQProducer(o.nsqdAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create nsq producer: %w", err)
		}
		return telemetry.NewNSQBeacon(prod, o.beaconTopic), prod.Stop, nil
	default:
		return nil, nil, fmt.Errorf("invalid beacon %q", o.beacon)
	}
}

// walk drives rs until the story completes or exitAfter pages were visited.
// Pages with branch choices take the choice named in o.choices, else the first.
func walk(ctx context.Context, rs *reader.Session, d *story.Draft, o readOptions, sum *ReadSummary) error {
	if err := rs.Open(); err != nil {
		return err
	}
	// Branches may loop; bound the walk.
	maxSteps := 4 * len(d.Pages)
	for step := 0; step < maxSteps; step++ {
		sum.PagesVisited++
		p := rs.Page()

		if o.readAloud {
			if _, err := rs.ToggleReadAloud(); err != nil {
				return err
			}
		}
		if p.Interaction.Type != "" && p.Interaction.Type != story.InteractionNone {
			key := p.Interaction.EventKey
			if key == "" {
				key = string(p.Interaction.Type)
			}
			if err := rs.Interact(key, o.latency); err != nil {
				return err
			}
		}
		if o.pageDelay > 0 {
			select {
			case <-ctx.Done():
				return rs.Exit(context.WithoutCancel(ctx))
			case <-time.After(o.pageDelay):
			}
		}

		if o.exitAfter > 0 && sum.PagesVisited >= o.exitAfter {
			return rs.Exit(ctx)
		}

		if len(p.BranchChoices) > 0 {
			choice := p.BranchChoices[0].ChoiceID
			if c, ok := o.choices[p.PageID]; ok {
				choice = c
			}
			if err := rs.Branch(choice); err != nil {
				return err
			}
			if rs.Page().PageID != p.PageID {
				continue
			}
		}

		finished, err := rs.Next(ctx)
		if err != nil {
			return err
		}
		if finished {
			return nil
		}
	}
	return rs.Exit(ctx)
}

func init() {
	rootCmd.AddCommand(readCmd)

	f := readCmd.Flags()
	f.Bool("register", false, "register the draft before reading")
	f.String("parent", "", "parent story ID when registering a regeneration")
	f.String("client-token", "", "client session token (default: random UUID)")
	f.StringToString("choose", nil, "branch choice per page, e.g. p3=left")
	f.Int("exit-after", 0, "abandon the story after this many pages (0 reads to the end)")
	f.Bool("read-aloud", false, "toggle read-aloud on every page")
	f.Duration("latency", 800*time.Millisecond, "simulated interaction latency")
	f.Duration("page-delay", 0, "time spent on each page")
	f.Bool("unload", false, "end with a page unload instead of a final flush")
	f.Bool("feedback", false, "submit feedback once the session ends")
	f.String("try-level", "", "try level for feedback")
	f.String("abort-reason", "", "abort reason for feedback when exiting early")

	nsqCfg := config.FromEnv().NSQ
	f.String("beacon", beaconHTTP, "unload transport: http or nsq")
	f.String("nsqd", nsqCfg.NsqdTCPAddr, "nsqd TCP address for --beacon nsq")
	f.String("beacon-topic", nsqCfg.BeaconTopic, "NSQ topic for --beacon nsq")
}
