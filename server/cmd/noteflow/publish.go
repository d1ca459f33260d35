package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"

	"noteflow/server/internal/logging"
	"noteflow/server/internal/model"
	"noteflow/server/internal/publish"
)

func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish [event.json|-]",
		Short: "Publish a signed event to the configured relays and report per-relay verdicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if len(cfg.Relays.Default) == 0 {
				return model.ErrNoRelays
			}

			evt, err := readEvent(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if err := model.ValidateSigned(evt); err != nil {
				return err
			}

			timeout := cfg.Publish.Timeout
			if d, _ := cmd.Flags().GetDuration("timeout"); d > 0 {
				timeout = d
			}
			retries := cfg.Publish.MaxRetries
			if cmd.Flags().Changed("retries") {
				retries, _ = cmd.Flags().GetInt("retries")
			}

			pool := newPool(cfg)
			defer pool.Close()
			links, err := pool.Links(cfg.Relays.Default)
			if err != nil {
				return err
			}

			// Ctrl-C 等同于放弃发布
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			start := time.Now()
			act := publish.Start(ctx, evt, links, publish.Options{
				Timeout:     timeout,
				MaxRetries:  retries,
				BaseBackoff: cfg.Publish.BaseBackoff,
				MaxBackoff:  cfg.Publish.MaxBackoff,
				Logger:      logging.Component("publish"),
			})
			st, err := act.Wait(context.Background())
			if err != nil {
				return err
			}
			printPublish(cmd.OutOrStdout(), st, time.Since(start))
			if !st.Success {
				return fmt.Errorf("event %s was not accepted by any relay", evt.ID)
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 0, "per-attempt timeout, overrides publish.timeout")
	cmd.Flags().Int("retries", 0, "retries after a timeout or connection error, overrides publish.max_retries")
	return cmd
}

func readEvent(stdin io.Reader, path string) (*nostr.Event, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	var evt nostr.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	return &evt, nil
}

func printPublish(w io.Writer, st model.PublishStatus, took time.Duration) {
	urls := make([]string, 0, len(st.PerRelay))
	for u := range st.PerRelay {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	for _, u := range urls {
		v := st.PerRelay[u]
		line := fmt.Sprintf("  %-40s %-9s attempt=%d", u, v.State, v.Attempt)
		if v.Reason != "" {
			line += " reason=" + v.Reason
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "%d/%d relays accepted %s in %s\n", st.Accepted, st.Total, st.EventID, took.Round(time.Millisecond))
}
