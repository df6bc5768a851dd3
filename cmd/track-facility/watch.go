package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/kuatovakamila/track-facility-akimat/internal/status"
)

var errUnreachable = errors.New("status server unreachable")

// NewWatchCommand polls a running kiosk's status endpoint.
func NewWatchCommand() *cobra.Command {
	var (
		url      string
		interval time.Duration
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show the live status of a running kiosk",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := resty.New().SetBaseURL(strings.TrimRight(url, "/")).SetTimeout(5 * time.Second)
			return watch(cmd.Context(), client, cmd.OutOrStdout(), interval, once)
		},
	}

	f := cmd.Flags()
	f.StringVar(&url, "url", "http://localhost:8080", "kiosk status server URL")
	f.DurationVar(&interval, "interval", time.Second, "poll interval")
	f.BoolVar(&once, "once", false, "print the status once and exit")
	return cmd
}

func watch(ctx context.Context, client *resty.Client, w io.Writer, interval time.Duration, once bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := fetchStatus(ctx, client)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, formatStatus(st))
		if once {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func fetchStatus(ctx context.Context, client *resty.Client) (*status.StatusInner, error) {
	var body status.StatusJSON
	resp, err := client.R().SetContext(ctx).SetResult(&body).Get("/index.json")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnreachable, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("status server returned %d", resp.StatusCode())
	}
	return &body.Status, nil
}

// formatStatus renders one status line.
func formatStatus(st *status.StatusInner) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", bold("[%s]", st.KioskID), stateString(st.State))

	if f := st.Flow; f != nil {
		fmt.Fprintf(&b, " phase=%s", bold("%s", f.Phase))
		phases := make([]string, 0, len(f.Progress))
		for p := range f.Progress {
			phases = append(phases, p)
		}
		sort.Strings(phases)
		for _, p := range phases {
			fmt.Fprintf(&b, " %s=%d%%", strings.ToLower(p), f.Progress[p])
		}
		if f.CountdownSeconds > 0 {
			fmt.Fprintf(&b, " countdown=%ds", f.CountdownSeconds)
		}
		b.WriteString(readingsString(f.Readings))
	} else if l := st.LastFlow; l != nil {
		result := color.GreenString("COMPLETED")
		if l.Failure != "" {
			result = color.RedString(l.Failure)
		}
		fmt.Fprintf(&b, " last=%s%s", result, readingsString(l.Readings))
	}

	c := st.Counts
	fmt.Fprintf(&b, " (started %d, completed %d, failed %d)", c.Started, c.Completed, c.Failed)
	return b.String()
}

func readingsString(r status.ReadingsJSON) string {
	var b strings.Builder
	if r.Temperature != nil {
		fmt.Fprintf(&b, " temp=%.1f", *r.Temperature)
	}
	if r.Pulse != nil {
		fmt.Fprintf(&b, " pulse=%.0f", *r.Pulse)
	}
	if r.Alcohol != "" {
		fmt.Fprintf(&b, " alcohol=%s", r.Alcohol)
	}
	return b.String()
}

func stateString(s string) string {
	if s == string(status.KioskMeasuring) {
		return color.New(color.Bold, color.FgYellow).Sprint(s)
	}
	return color.New(color.FgCyan).Sprint(s)
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
