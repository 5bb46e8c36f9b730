package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/agentplane/internal/models"
	"github.com/fentz26/agentplane/internal/tui"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the event bus",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent events",
	RunE:  runEventsList,
}

var eventsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show event bus statistics",
	RunE:  runEventsStats,
}

var eventsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream events as they are published",
	RunE:  runEventsWatch,
}

var (
	eventType   string
	eventLimit  int
	eventStored bool
)

func init() {
	eventsCmd.AddCommand(eventsListCmd, eventsStatsCmd, eventsWatchCmd)
	eventsListCmd.Flags().StringVar(&eventType, "type", "", "Filter by event type")
	eventsListCmd.Flags().IntVar(&eventLimit, "limit", 50, "Maximum events to show")
	eventsListCmd.Flags().BoolVar(&eventStored, "stored", false, "Read persisted events instead of the in-memory history")
}

func runEventsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(eventLimit))
	if eventType != "" {
		q.Set("type", eventType)
	}
	path := "/events?"
	if eventStored {
		path = "/events/stored?"
	}

	var events []models.Event
	if err := apiGet(path+q.Encode(), &events); err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No events")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSOURCE\tID")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Type, e.Source, truncateID(e.ID))
	}
	return w.Flush()
}

func runEventsStats(cmd *cobra.Command, args []string) error {
	var stats models.EventStatistics
	if err := apiGet("/events/stats", &stats); err != nil {
		return err
	}

	fmt.Printf("History: %d/%d\n", stats.TotalEvents, stats.HistoryCapacity)
	fmt.Printf("Wildcard subscribers: %d\n\n", stats.WildcardCount)

	types := make([]string, 0, len(stats.EventTypeCounts)+len(stats.SubscriberCounts))
	seen := map[models.EventType]bool{}
	for t := range stats.EventTypeCounts {
		seen[t] = true
	}
	for t := range stats.SubscriberCounts {
		seen[t] = true
	}
	for t := range seen {
		types = append(types, string(t))
	}
	sort.Strings(types)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tEVENTS\tSUBSCRIBERS")
	for _, t := range types {
		et := models.EventType(t)
		fmt.Fprintf(w, "%s\t%d\t%d\n", t, stats.EventTypeCounts[et], stats.SubscriberCounts[et])
	}
	return w.Flush()
}

func runEventsWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, err := tui.NewClient(apiAddr).StreamEvents(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Watching events (Ctrl+C to stop)")
	for ev := range events {
		fmt.Printf("%s  %-16s %-12s %v\n", ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, ev.Source, ev.Data)
	}
	return nil
}
