package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lazypower/chronicle/internal/engine"
	"github.com/lazypower/chronicle/internal/store"
	"github.com/spf13/cobra"
)

const cmdTimeout = 60 * time.Second

// withEngine opens an engine, runs fn with a bounded context and closes the
// database afterwards.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *engine.Engine, out io.Writer) error) error {
	eng, _, err := openEngine(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer eng.DB.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cmdTimeout)
	defer cancel()
	return fn(ctx, eng, cmd.OutOrStdout())
}

func timeLabel(t time.Time) string {
	if store.IsOpen(t) {
		return "open"
	}
	return t.Format(time.RFC3339)
}

// --- entity commands ---

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Inspect entity versions",
}

var entityGetCmd = &cobra.Command{
	Use:   "get [entity-id]",
	Short: "Show the current version of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out io.Writer) error {
			v, err := eng.GetCurrentEntity(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get entity: %w", err)
			}
			printEntity(out, v)
			return nil
		})
	},
}

var entityHistoryCmd = &cobra.Command{
	Use:   "history [entity-id]",
	Short: "List every recorded version of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out io.Writer) error {
			versions, err := eng.EntityHistory(ctx, args[0])
			if err != nil {
				return fmt.Errorf("entity history: %w", err)
			}
			fmt.Fprintf(out, "## %s (%d versions)\n\n", args[0], len(versions))
			for i, v := range versions {
				marker := " "
				if v.IsCurrent {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %d. %s  valid [%s, %s)  stored [%s, %s)\n",
					marker, i+1, v.VersionID, timeLabel(v.ValidFrom), timeLabel(v.ValidTo),
					timeLabel(v.StoredFrom), timeLabel(v.StoredTo))
			}
			return nil
		})
	},
}

var (
	asOfValid  string
	asOfStored string
)

var entityAsOfCmd = &cobra.Command{
	Use:   "as-of [entity-id]",
	Short: "Show the version believed at --stored for world time --valid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		validAt, err := parseTimeFlag("valid", asOfValid)
		if err != nil {
			return err
		}
		storedAt, err := parseTimeFlag("stored", asOfStored)
		if err != nil {
			return err
		}
		if storedAt.IsZero() {
			storedAt = time.Now().UTC()
		}
		if validAt.IsZero() {
			validAt = storedAt
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out io.Writer) error {
			v, err := eng.GetEntityAsOf(ctx, args[0], validAt, storedAt)
			if err != nil {
				return fmt.Errorf("entity as-of: %w", err)
			}
			printEntity(out, v)
			return nil
		})
	},
}

func printEntity(out io.Writer, v *store.EntityVersion) {
	fmt.Fprintf(out, "%s [%s] %s\n", v.EntityID, v.EntityType, v.Name)
	fmt.Fprintf(out, "  version:   %s\n", v.VersionID)
	fmt.Fprintf(out, "  owner:     %s\n", v.OwnerID)
	fmt.Fprintf(out, "  valid:     [%s, %s)\n", timeLabel(v.ValidFrom), timeLabel(v.ValidTo))
	fmt.Fprintf(out, "  stored:    [%s, %s)\n", timeLabel(v.StoredFrom), timeLabel(v.StoredTo))
	fmt.Fprintf(out, "  relevance: %.3f (accessed %s times, last %s)\n",
		v.RelevanceScore, humanize.Comma(int64(v.AccessCount)), humanize.Time(v.LastAccessed))
	if len(v.Attributes) > 0 {
		keys := make([]string, 0, len(v.Attributes))
		for k := range v.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(out, "  attributes:")
		for _, k := range keys {
			fmt.Fprintf(out, "    %s: %v\n", k, v.Attributes[k])
		}
	}
}

// --- pref command ---

var prefCmd = &cobra.Command{
	Use:   "pref",
	Short: "Resolve preferences",
}

var prefAsOf string

var prefResolveCmd = &cobra.Command{
	Use:   "resolve [owner-id] [key]",
	Short: "Show the preference value in force now or at --as-of",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asOf, err := parseTimeFlag("as-of", prefAsOf)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out io.Writer) error {
			p, err := eng.Resolve(ctx, args[0], args[1], asOf)
			if err != nil {
				return fmt.Errorf("resolve preference: %w", err)
			}
			fmt.Fprintf(out, "%s = %s\n", p.Key, p.Value)
			fmt.Fprintf(out, "  confidence: %.2f over %s observations\n", p.Confidence, humanize.Comma(int64(p.ObservationCount)))
			fmt.Fprintf(out, "  valid:      [%s, %s)\n", timeLabel(p.ValidFrom), timeLabel(p.ValidTo))
			fmt.Fprintf(out, "  last seen:  %s\n", humanize.Time(p.LastObserved))
			return nil
		})
	},
}

// --- patterns commands ---

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Detect and list recurring patterns",
}

var patternsDetectCmd = &cobra.Command{
	Use:   "detect [owner-id]",
	Short: "Run pattern detection for one owner, or every owner with no argument",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out io.Writer) error {
			var (
				r   engine.DetectReport
				err error
			)
			now := time.Now().UTC()
			if len(args) == 1 {
				r, err = eng.DetectPatterns(ctx, args[0], now)
			} else {
				r, err = eng.DetectAll(ctx, now)
			}
			if err != nil {
				return fmt.Errorf("detect patterns: %w", err)
			}
			fmt.Fprintf(out, "groups %d: promoted %d, refreshed %d, retired %d, stale %d\n",
				r.Groups, r.Promoted, r.Refreshed, r.Retired, r.Stale)
			fmt.Fprintf(out, "skipped: %d insufficient, %d zero-interval, %d below threshold; %d failed\n",
				r.Insufficient, r.Rejected, r.BelowCutoff, r.Failed)
			return nil
		})
	},
}

var patternsListAll bool

var patternsListCmd = &cobra.Command{
	Use:   "list [owner-id]",
	Short: "List an owner's patterns, highest confidence first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out io.Writer) error {
			var (
				patterns []store.Pattern
				err      error
			)
			if patternsListAll {
				patterns, err = eng.Patterns(ctx, args[0])
			} else {
				patterns, err = eng.ActivePatterns(ctx, args[0])
			}
			if err != nil {
				return fmt.Errorf("list patterns: %w", err)
			}
			if len(patterns) == 0 {
				fmt.Fprintln(out, "No patterns found.")
				return nil
			}
			for _, p := range patterns {
				state := ""
				if !p.IsActive {
					state = " (retired)"
				}
				fmt.Fprintf(out, "[%.2f] %s %s every %.1f days%s\n", p.Confidence, p.PatternType, p.SubjectEntityID, p.RecurrenceDays, state)
				fmt.Fprintf(out, "       %d observations, next %s\n", p.ObservationCount, humanize.Time(p.NextPredicted))
			}
			return nil
		})
	},
}

// --- items commands ---

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Inspect perishable items",
}

var itemsDueCmd = &cobra.Command{
	Use:   "due [owner-id]",
	Short: "List recurring items due for replenishment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out io.Writer) error {
			due, err := eng.DueForReplenishment(ctx, args[0], time.Now().UTC())
			if err != nil {
				return fmt.Errorf("due items: %w", err)
			}
			if len(due) == 0 {
				fmt.Fprintln(out, "Nothing due.")
				return nil
			}
			for _, d := range due {
				label := d.Name
				if d.Category != "" {
					label = d.Category + "/" + d.Name
				}
				fmt.Fprintf(out, "- %s due %s (every %.1f days, %s fulfillments)\n",
					label, humanize.Time(d.DueAt), *d.RecurrenceDays, humanize.Comma(int64(d.FulfillmentCount)))
			}
			return nil
		})
	},
}

var itemsStatus string

var itemsListCmd = &cobra.Command{
	Use:   "list [owner-id]",
	Short: "List an owner's items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out io.Writer) error {
			items, err := eng.Items(ctx, args[0], itemsStatus)
			if err != nil {
				return fmt.Errorf("list items: %w", err)
			}
			for _, it := range items {
				fmt.Fprintf(out, "%-10s %-8s %s/%s (added %s)\n",
					it.Status, it.Urgency, it.Category, it.Name, humanize.Time(it.AddedAt))
			}
			return nil
		})
	},
}

// --- maintenance passes ---

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run one relevance decay pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out io.Writer) error {
			r, err := eng.DecayPass(ctx, time.Now().UTC(), eng.Opts.HalfLifeDays, eng.Opts.DecayFloor)
			if err != nil {
				return fmt.Errorf("decay: %w", err)
			}
			printPass(out, "decay", r)
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire stale active items",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out io.Writer) error {
			r, err := eng.Sweep(ctx, time.Now().UTC(), eng.Opts.MaxAgeDays)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			printPass(out, "sweep", r)
			return nil
		})
	},
}

func printPass(out io.Writer, name string, r engine.PassReport) {
	parts := []string{
		humanize.Comma(int64(r.Examined)) + " examined",
		humanize.Comma(int64(r.Updated)) + " updated",
	}
	if r.Skipped > 0 {
		parts = append(parts, humanize.Comma(int64(r.Skipped))+" skipped")
	}
	if r.Failed > 0 {
		parts = append(parts, humanize.Comma(int64(r.Failed))+" failed")
	}
	fmt.Fprintf(out, "%s: %s\n", name, strings.Join(parts, ", "))
}

func init() {
	entityCmd.AddCommand(entityGetCmd)
	entityCmd.AddCommand(entityHistoryCmd)
	entityCmd.AddCommand(entityAsOfCmd)
	entityAsOfCmd.Flags().StringVar(&asOfValid, "valid", "", "World time (RFC 3339, default --stored)")
	entityAsOfCmd.Flags().StringVar(&asOfStored, "stored", "", "Transaction time (RFC 3339, default now)")

	prefCmd.AddCommand(prefResolveCmd)
	prefResolveCmd.Flags().StringVar(&prefAsOf, "as-of", "", "Resolve at this time (RFC 3339, default current)")

	patternsCmd.AddCommand(patternsDetectCmd)
	patternsCmd.AddCommand(patternsListCmd)
	patternsListCmd.Flags().BoolVar(&patternsListAll, "all", false, "Include retired patterns")

	itemsCmd.AddCommand(itemsDueCmd)
	itemsCmd.AddCommand(itemsListCmd)
	itemsListCmd.Flags().StringVar(&itemsStatus, "status", "", "Filter by status (active, completed, expired, cancelled)")
}
