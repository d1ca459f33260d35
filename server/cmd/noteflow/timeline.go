package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"

	"noteflow/server/internal/logging"
	"noteflow/server/internal/model"
	"noteflow/server/internal/timeline"
)

func newTimelineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Load a merged timeline from the configured relays and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if len(cfg.Relays.Default) == 0 {
				return model.ErrNoRelays
			}

			kinds, _ := cmd.Flags().GetIntSlice("kind")
			authors, _ := cmd.Flags().GetStringSlice("author")
			pages, _ := cmd.Flags().GetInt("pages")
			wait, _ := cmd.Flags().GetDuration("wait")

			filter := nostr.Filter{Kinds: kinds}
			for _, a := range authors {
				hex, err := decodePubKey(a)
				if err != nil {
					return err
				}
				filter.Authors = append(filter.Authors, hex)
			}

			pool := newPool(cfg)
			defer pool.Close()
			links, err := pool.Links(cfg.Relays.Default)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()

			l, err := timeline.Open(ctx, filter, links, timeline.Options{
				PageSize:    cfg.Timeline.PageSize,
				EOSETimeout: cfg.Timeline.EOSETimeout,
				Logger:      logging.Component("timeline"),
			})
			if err != nil {
				return err
			}
			defer l.Close()

			snap, err := loadPages(ctx, l, pages)
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			printTimeline(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().IntSlice("kind", []int{1}, "event kinds to load")
	cmd.Flags().StringSlice("author", nil, "author pubkey (hex or npub), repeatable")
	cmd.Flags().Int("pages", 1, "number of pages to load")
	cmd.Flags().Duration("wait", 30*time.Second, "overall time limit")
	return cmd
}

// loadPages 等第一页结束后继续向后翻页，直到拿到 pages 页或所有中继到底
func loadPages(ctx context.Context, l *timeline.Loader, pages int) (timeline.Snapshot, error) {
	updates, unsubscribe := l.Subscribe()
	defer unsubscribe()

	target := 1
	last := l.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return last, model.ErrClosed
			}
			last = snap
			if snap.Loading || snap.Cycle < target {
				continue
			}
			if target >= pages || snap.Complete {
				return snap, nil
			}
			advanced, err := l.Advance(ctx)
			if err != nil {
				return snap, err
			}
			if !advanced {
				return snap, nil
			}
			target++
		}
	}
}

func printTimeline(w io.Writer, snap timeline.Snapshot) {
	for _, evt := range snap.Events {
		author := evt.PubKey
		if npub, err := nip19.EncodePublicKey(evt.PubKey); err == nil {
			author = npub
		}
		content := truncate(strings.ReplaceAll(evt.Content, "\n", " "), 120)
		fmt.Fprintf(w, "%s  %s  %s\n", humanize.Time(evt.CreatedAt.Time()), shorten(author), content)
	}

	fmt.Fprintf(w, "\n%s events, %s duplicates", humanize.Comma(int64(len(snap.Events))), humanize.Comma(int64(snap.Stats.Duplicates)))
	if snap.Watermark > 0 {
		fmt.Fprintf(w, ", complete back to %s", humanize.Time(snap.Watermark.Time()))
	}
	fmt.Fprintln(w)
	for _, r := range snap.Relays {
		line := fmt.Sprintf("  %-40s %-9s accepted=%d", r.URL, r.Status, r.Accepted)
		if r.LastError != "" {
			line += " error=" + r.LastError
		}
		fmt.Fprintln(w, line)
	}
}

func decodePubKey(s string) (string, error) {
	if !strings.HasPrefix(s, "npub") {
		return s, nil
	}
	prefix, value, err := nip19.Decode(s)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", s, err)
	}
	hex, ok := value.(string)
	if prefix != "npub" || !ok {
		return "", fmt.Errorf("decode %s: not a public key", s)
	}
	return hex, nil
}

// truncate 按字符而不是字节截断，避免切断多字节字符
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

func shorten(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:10] + "…" + s[len(s)-4:]
}
