package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/lazypower/chronicle/internal/client"
	"github.com/lazypower/chronicle/internal/engine"
	"github.com/lazypower/chronicle/internal/feed"
	"github.com/lazypower/chronicle/internal/store"
	"github.com/spf13/cobra"
)

var (
	syncOwner  string
	syncRemote bool
	syncURL    string
)

var syncCmd = &cobra.Command{
	Use:   "sync [feed.jsonl|-]",
	Short: "Append a provider event feed to the event log",
	Long: "Reads one JSON event per line and appends it to the event log. Replaying a feed is safe: " +
		"events whose id is already stored are skipped. With --remote the feed is posted to a running server.",
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncOwner, "owner", "", "owner for lines that do not name one")
	syncCmd.Flags().BoolVar(&syncRemote, "remote", false, "post events to a running server instead of the local database")
	syncCmd.Flags().StringVar(&syncURL, "url", "", "server URL for --remote (default $CHRONICLE_URL or http://127.0.0.1:37778)")
}

// eventSink is where synced events go: the local engine or a remote server.
type eventSink interface {
	AppendEvent(ctx context.Context, ev *store.Event) (bool, error)
}

type syncReport struct {
	Appended int
	Replayed int
	Rejected int
	Skipped  int
}

func runSync(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open feed: %w", err)
		}
		defer f.Close()
		in = f
	}

	parsed, err := feed.Parse(in, syncOwner)
	if err != nil {
		return err
	}
	for _, s := range parsed.Skipped {
		fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %v\n", s.Line, s.Err)
	}

	if syncRemote {
		c := client.New(syncURL)
		ctx, cancel := context.WithTimeout(cmd.Context(), cmdTimeout)
		defer cancel()
		if !c.Healthy(ctx) {
			return fmt.Errorf("server at %s is not reachable", c.URL())
		}
		r := syncEvents(ctx, c, parsed.Events, cmd.ErrOrStderr())
		r.Skipped = len(parsed.Skipped)
		printSync(cmd.OutOrStdout(), r)
		return nil
	}

	return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out io.Writer) error {
		r := syncEvents(ctx, eng, parsed.Events, cmd.ErrOrStderr())
		r.Skipped = len(parsed.Skipped)
		printSync(out, r)
		return nil
	})
}

// syncEvents appends events one by one. A rejected event is reported and
// does not stop the rest of the feed.
func syncEvents(ctx context.Context, sink eventSink, events []store.Event, errOut io.Writer) syncReport {
	var r syncReport
	for i := range events {
		ev := events[i]
		inserted, err := sink.AppendEvent(ctx, &ev)
		switch {
		case err != nil:
			r.Rejected++
			fmt.Fprintf(errOut, "event %s: %v\n", ev.EventID, err)
		case inserted:
			r.Appended++
		default:
			r.Replayed++
		}
	}
	return r
}

func printSync(out io.Writer, r syncReport) {
	fmt.Fprintf(out, "sync: %s appended, %s already present, %s rejected, %s unreadable lines\n",
		humanize.Comma(int64(r.Appended)), humanize.Comma(int64(r.Replayed)),
		humanize.Comma(int64(r.Rejected)), humanize.Comma(int64(r.Skipped)))
}
