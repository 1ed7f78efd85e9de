package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MrWong99/liveconsult/pkg/history"
)

var errHistoryDisabled = errors.New("conversation history is disabled; set history.dsn or LIVECONSULT_HISTORY_DSN")

type historyQuery struct {
	session string
	search  string
	speaker string
	since   time.Duration
	limit   int
}

func newHistoryCmd(v *viper.Viper) *cobra.Command {
	var q historyQuery
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded conversations",
		Long: `Show recorded conversations from the history database.

Without flags, lists the most recent sessions. --session prints one
conversation; --search runs a full-text search across all of them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, err := openHistory(ctx, cfg)
			if err != nil {
				return err
			}
			if store == nil {
				return errHistoryDisabled
			}
			defer store.Close()
			return printHistory(ctx, cmd.OutOrStdout(), store, q)
		},
	}
	cmd.Flags().StringVar(&q.session, "session", "", "print the conversation of one session id")
	cmd.Flags().StringVar(&q.search, "search", "", "full-text search across all sessions")
	cmd.Flags().StringVar(&q.speaker, "speaker", "", "only entries spoken by user or model")
	cmd.Flags().DurationVar(&q.since, "since", 0, "only entries newer than this, e.g. 24h")
	cmd.Flags().IntVar(&q.limit, "limit", 20, "maximum number of rows")
	return cmd
}

func printHistory(ctx context.Context, w io.Writer, store history.Store, q historyQuery) error {
	if q.session == "" && q.search == "" && q.speaker == "" && q.since == 0 {
		sessions, err := store.Sessions(ctx, q.limit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(w, "no recorded sessions")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tENTRIES\tSTARTED\tLAST")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.ID, s.Entries,
				s.First.Local().Format(time.DateTime), s.Last.Local().Format(time.DateTime))
		}
		return tw.Flush()
	}

	query := history.Query{
		Text:      q.search,
		SessionID: q.session,
		Speaker:   q.speaker,
		Limit:     q.limit,
	}
	if q.since > 0 {
		query.After = time.Now().Add(-q.since)
	}
	entries, err := store.Search(ctx, query)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "no matching entries")
		return nil
	}
	for _, e := range entries {
		prefix := ""
		if q.session == "" {
			prefix = e.SessionID[:min(8, len(e.SessionID))] + " "
		}
		fmt.Fprintf(w, "%s%s %-5s %s\n", prefix, e.At.Local().Format(time.TimeOnly), e.Speaker, e.Text)
	}
	return nil
}
