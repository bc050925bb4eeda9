package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/storyq/pkg/client"
)

type globalOpts struct {
	server  string
	apiKey  string
	timeout time.Duration
}

func (g *globalOpts) client() *client.Client {
	return client.New(g.server, client.WithAPIKey(g.apiKey), client.WithTimeout(g.timeout))
}

func newRootCmd() *cobra.Command {
	g := &globalOpts{}
	root := &cobra.Command{
		Use:           "storyctl",
		Short:         "Command-line client for the storyq story scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("STORYQ_SERVER", "http://localhost:8080"), "storyq server base URL")
	root.PersistentFlags().StringVar(&g.apiKey, "api-key", os.Getenv("STORYQ_AUTH_API_KEY"), "API key sent as X-Api-Key")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "per-request timeout")

	root.AddCommand(
		queueCmd(g),
		nextCmd(g),
		deliverCmd(g),
		statsCmd(g),
		clearCmd(g),
		historyCmd(g),
		tripCmd(g),
		positionCmd(g),
		summaryCmd(g),
	)
	return root
}

// --- queue ---

func queueCmd(g *globalOpts) *cobra.Command {
	var (
		trigger  string
		ctxJSON  string
		delay    time.Duration
		window   time.Duration
		expires  time.Duration
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "queue USER PRIORITY",
		Short: "Queue a story for a user",
		Long: `Queue a story for a user. PRIORITY is immediate, high, medium, low,
deferred or 1-5.

Examples:
  storyctl queue u1 high --trigger proximity --context '{"poi":"tower-bridge"}'
  storyctl queue u1 low --delay 5m --window 30m`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := client.ParsePriority(args[1])
			if err != nil {
				return err
			}
			opts := []client.StoryOption{}
			if trigger != "" {
				opts = append(opts, client.WithTrigger(trigger))
			}
			if ctxJSON != "" {
				var m map[string]any
				if err := json.Unmarshal([]byte(ctxJSON), &m); err != nil {
					return fmt.Errorf("--context must be a JSON object: %w", err)
				}
				opts = append(opts, client.WithContext(m))
			}
			now := time.Now()
			if delay > 0 {
				opts = append(opts, client.WithEarliest(now.Add(delay)))
			}
			if window > 0 {
				opts = append(opts, client.WithLatest(now.Add(delay+window)))
			}
			if expires > 0 {
				opts = append(opts, client.WithExpiresAt(now.Add(expires)))
			}
			if duration > 0 {
				opts = append(opts, client.WithEstimatedDuration(duration))
			}

			res, err := g.client().QueueStory(cmd.Context(), args[0], p, opts...)
			if err != nil {
				return err
			}
			if !res.Accepted {
				fmt.Fprintln(cmd.ErrOrStderr(), "queue full: story rejected")
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger type (default contextual)")
	cmd.Flags().StringVar(&ctxJSON, "context", "", "story context as a JSON object")
	cmd.Flags().DurationVar(&delay, "delay", 0, "earliest delivery, relative to now")
	cmd.Flags().DurationVar(&window, "window", 0, "latest delivery, relative to the earliest")
	cmd.Flags().DurationVar(&expires, "expires", 0, "expiry relative to now (default: server setting)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "estimated narration length")
	return cmd
}

// --- next ---

func nextCmd(g *globalOpts) *cobra.Command {
	var claim bool
	cmd := &cobra.Command{
		Use:   "next USER",
		Short: "Show (or claim) the user's next ready story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			next := c.NextStory
			if claim {
				next = c.ClaimStory
			}
			s, err := next(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if s == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "nothing ready")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().BoolVar(&claim, "claim", false, "mark the story in progress")
	return cmd
}

// --- deliver ---

func deliverCmd(g *globalOpts) *cobra.Command {
	var failed bool
	cmd := &cobra.Command{
		Use:   "deliver STORY_ID",
		Short: "Report a delivery outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.client().MarkDelivered(cmd.Context(), args[0], !failed)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "report a failed attempt instead of a delivery")
	return cmd
}

// --- stats / clear / history ---

func statsCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "stats USER",
		Short: "Show a user's queue summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.client().Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func clearCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "clear USER",
		Short: "Clear a user's queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := g.client().ClearQueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"cleared": n})
		},
	}
}

func historyCmd(g *globalOpts) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history USER",
		Short: "List a user's archived stories, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := g.client().History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records")
	return cmd
}

// --- trip ---

func tripCmd(g *globalOpts) *cobra.Command {
	trip := &cobra.Command{Use: "trip", Short: "Start or end a user's trip"}
	trip.AddCommand(
		&cobra.Command{
			Use:  "start USER",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				t, created, err := g.client().StartTrip(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"session": t, "created": created})
			},
		},
		&cobra.Command{
			Use:  "end USER",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				t, cleared, err := g.client().EndTrip(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"session": t, "cleared": cleared})
			},
		},
	)
	return trip
}

func positionCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "position USER LAT LON",
		Short: "Report a user's position and show triggered proximity stories",
		Long: `Report a user's position. Flags go before USER; everything after it is
positional, so negative coordinates need no quoting:

  storyctl position u1 -33.8568 151.2153`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			lat, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("LAT: %w", err)
			}
			lon, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("LON: %w", err)
			}
			fired, err := g.client().UpdatePosition(cmd.Context(), args[0], lat, lon)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), fired)
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func summaryCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show the server-wide summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.client().Summary(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
}

// --- output ---

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
