package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/fentz26/agentplane/internal/app"
	"github.com/fentz26/agentplane/internal/connectors/static"
	"github.com/fentz26/agentplane/internal/controlplane"
	"github.com/fentz26/agentplane/internal/models"
)

var syncCmd = &cobra.Command{
	Use:   "sync [vendor]",
	Short: "Sync vendor orders and stats",
	Long: `Syncs every vendor, or only the named one. With --local the sync runs
in-process against the configured database instead of through the daemon.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

var syncReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show totals across vendors",
	RunE:  runSyncReport,
}

var syncHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sync attempts",
	RunE:  runSyncHistory,
}

var syncOrdersCmd = &cobra.Command{
	Use:   "orders",
	Short: "List synced orders",
	RunE:  runSyncOrders,
}

var (
	syncLocal  bool
	syncDemo   bool
	syncVendor string
	syncStatus string
	syncLimit  int
)

func init() {
	syncCmd.AddCommand(syncReportCmd, syncHistoryCmd, syncOrdersCmd)
	syncCmd.Flags().BoolVar(&syncLocal, "local", false, "Run without the daemon")
	syncCmd.Flags().BoolVar(&syncDemo, "demo", false, "Include demo vendors (with --local)")

	syncHistoryCmd.Flags().StringVar(&syncVendor, "vendor", "", "Filter by vendor")
	syncHistoryCmd.Flags().IntVar(&syncLimit, "limit", 20, "Maximum rows")
	syncOrdersCmd.Flags().StringVar(&syncVendor, "vendor", "", "Filter by vendor")
	syncOrdersCmd.Flags().StringVar(&syncStatus, "status", "", "Filter by order status")
	syncOrdersCmd.Flags().IntVar(&syncLimit, "limit", 50, "Maximum rows")
}

func runSync(cmd *cobra.Command, args []string) error {
	if syncLocal {
		return runLocalSync(args)
	}

	if len(args) == 1 {
		var res models.SyncResult
		if err := apiPost("/sync/"+url.PathEscape(args[0]), nil, &res); err != nil {
			return err
		}
		printSyncResults(map[string]models.SyncResult{res.VendorName: res})
		return nil
	}

	var summary models.SyncSummary
	if err := apiPost("/sync", nil, &summary); err != nil {
		return err
	}
	printSummary(summary)
	return nil
}

// runLocalSync builds the core object graph without the HTTP server.
func runLocalSync(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var svc *controlplane.Service
	opts := []fx.Option{app.Core(cfg), fx.Populate(&svc)}
	if syncDemo {
		opts = append(opts, fx.Supply(app.ExtraConnectors(static.Demo())))
	}
	local := fx.New(opts...)
	if err := local.Err(); err != nil {
		return fmt.Errorf("build: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := local.Start(ctx); err != nil {
		return err
	}
	defer local.Stop(context.Background())

	if len(args) == 1 {
		res, err := svc.SyncVendor(ctx, args[0])
		if err != nil {
			return err
		}
		printSyncResults(map[string]models.SyncResult{res.VendorName: res})
		return nil
	}
	printSummary(svc.SyncAll(ctx))
	return nil
}

func printSummary(s models.SyncSummary) {
	if s.Error != "" && s.TotalVendors == 0 {
		fmt.Println(s.Error)
		return
	}
	printSyncResults(s.PerVendorResults)
	fmt.Printf("\n%d/%d vendors synced in %.1fs\n", s.Successful, s.TotalVendors, s.DurationSeconds)
}

func printSyncResults(results map[string]models.SyncResult) {
	names := make([]string, 0, len(results))
	for n := range results {
		names = append(names, n)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VENDOR\tOK\tORDERS\tNEW\tUPDATED\tERROR")
	for _, n := range names {
		r := results[n]
		fmt.Fprintf(w, "%s\t%v\t%d\t%d\t%d\t%s\n", n, r.Success, r.OrdersCount, r.NewOrders, r.UpdatedOrders, r.Error)
	}
	w.Flush()
}

func runSyncReport(cmd *cobra.Command, args []string) error {
	var report models.UnifiedReport
	if err := apiGet("/sync/report", &report); err != nil {
		return err
	}

	names := make([]string, 0, len(report.Vendors))
	for n := range report.Vendors {
		names = append(names, n)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VENDOR\tORDERS\tREVENUE\tBALANCE\tPENDING")
	for _, n := range names {
		v := report.Vendors[n]
		fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t%d\n", n, v.TotalOrders, v.TotalRevenue, v.Balance, v.PendingOrders)
	}
	fmt.Fprintf(w, "TOTAL\t%d\t%.2f\t%.2f\t\n", report.TotalOrders, report.TotalRevenue, report.TotalBalance)
	if err := w.Flush(); err != nil {
		return err
	}
	if len(report.Failed) > 0 {
		fmt.Printf("\nLast sync failed for: %v\n", report.Failed)
	}
	return nil
}

func runSyncHistory(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(syncLimit))
	if syncVendor != "" {
		q.Set("vendor", syncVendor)
	}

	var logs []models.SyncLog
	if err := apiGet("/sync/history?"+q.Encode(), &logs); err != nil {
		return err
	}
	if len(logs) == 0 {
		fmt.Println("No sync history")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tVENDOR\tSTATUS\tORDERS\tNEW\tUPDATED\tERROR")
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			l.StartedAt.Local().Format(time.DateTime), l.VendorName, l.Status, l.OrdersSynced, l.NewOrders, l.UpdatedOrders, l.Error)
	}
	return w.Flush()
}

func runSyncOrders(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(syncLimit))
	if syncVendor != "" {
		q.Set("vendor", syncVendor)
	}
	if syncStatus != "" {
		q.Set("status", syncStatus)
	}

	var orders []models.Order
	if err := apiGet("/sync/orders?"+q.Encode(), &orders); err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Println("No orders")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VENDOR\tORDER\tPRODUCT\tPRICE\tCOMMISSION\tSTATUS")
	for _, o := range orders {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.2f\t%s\n", o.VendorName, o.OrderID, o.ProductName, o.Price, o.Commission, o.Status)
	}
	return w.Flush()
}
