package commands

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/savaki/ec2-resizer/internal/analyzer"
	"github.com/savaki/ec2-resizer/internal/dao/resizedao"
	"github.com/savaki/ec2-resizer/internal/di"
	"github.com/savaki/ec2-resizer/internal/store"
	"github.com/urfave/cli/v2"
)

// HistoryCommand lists the resizes of one instance.
func HistoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List resizes and rollbacks of an instance",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "instance-id",
				Aliases:  []string{"i"},
				Usage:    "EC2 instance ID",
				Required: true,
				EnvVars:  []string{"INSTANCE_ID"},
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of records to show",
				Value: 20,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print records as JSON",
			},
		},
		Action: historyAction,
	}
}

// ReportCommand analyzes every matching instance in a region.
func ReportCommand() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Analyze every instance in a region",
		Description: `Analyze every instance in --region, optionally narrowed by tag, and
print the recommendations.

With --latest the most recent resize of each instance is listed instead.`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "tag",
				Aliases: []string{"t"},
				Usage:   "Only instances with tag key=value (can be specified multiple times)",
			},
			&cli.BoolFlag{
				Name:  "latest",
				Usage: "List the latest resize of each instance",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write results as JSON to this file",
			},
		},
		Action: reportAction,
	}
}

func historyAction(c *cli.Context) error {
	region := c.String("region")
	if region == "" {
		return fmt.Errorf("--region is required")
	}

	container, err := di.New(c.String("env"), di.WithContext(c.Context))
	if err != nil {
		return err
	}
	dao, err := di.Get[*resizedao.DAO](container)
	if err != nil {
		return err
	}

	records, err := dao.Query(c.Context, region, c.String("instance-id"))
	if err != nil {
		return err
	}
	if limit := c.Int("limit"); limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	if c.Bool("json") {
		return writeJSON(os.Stdout, records)
	}
	printRecords(os.Stdout, records)
	return nil
}

func reportAction(c *cli.Context) error {
	region := c.String("region")
	if region == "" {
		return fmt.Errorf("--region is required")
	}

	filters, err := tagFilters(c.StringSlice("tag"))
	if err != nil {
		return err
	}

	container, err := newContainer(c, region, c.String("role-arn"))
	if err != nil {
		return err
	}

	if c.Bool("latest") {
		dao, err := di.Get[*resizedao.DAO](container)
		if err != nil {
			return err
		}
		records, err := dao.QueryLatest(c.Context, region)
		if err != nil {
			return err
		}
		return report(c, records, func(w io.Writer) { printRecords(w, records) })
	}

	fleet, err := di.Get[*analyzer.Fleet](container)
	if err != nil {
		return err
	}
	results, err := fleet.Analyze(c.Context, filters)
	if err != nil {
		return err
	}
	pushMetrics(c.Context, container)

	return report(c, results, func(w io.Writer) { printFleet(w, results) })
}

func report(c *cli.Context, v any, printFn func(w io.Writer)) error {
	if output := c.String("output"); output != "" {
		if err := store.WriteJSON(output, v); err != nil {
			return err
		}
		fmt.Printf("✓ Wrote %s\n", output)
		return nil
	}
	printFn(os.Stdout)
	return nil
}

// tagFilters turns key=value pairs into EC2 tag filters. Values for the
// same key are OR'ed.
func tagFilters(tags []string) (map[string][]string, error) {
	filters := map[string][]string{}
	for _, tag := range tags {
		key, value, ok := strings.Cut(tag, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("tag must be in format 'key=value', got: %s", tag)
		}
		name := "tag:" + key
		filters[name] = append(filters[name], value)
	}
	return filters, nil
}

func formatUnix(seconds int64) string {
	if seconds == 0 {
		return "-"
	}
	return time.Unix(seconds, 0).UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printRecords(w io.Writer, records []resizedao.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No resizes found")
		return
	}

	fmt.Fprintf(w, "%-20s %-27s %-8s %-16s %-12s %-12s %s\n", "UPDATED", "RESIZE", "KIND", "STATUS", "FROM", "TO", "MESSAGE")
	fmt.Fprintln(w, strings.Repeat("=", 110))
	for _, record := range records {
		message := ""
		if record.ErrorMsg != nil {
			message = *record.ErrorMsg
		}
		fmt.Fprintf(w, "%-20s %-27s %-8s %-16s %-12s %-12s %s\n",
			formatUnix(record.UpdatedAt),
			record.SK,
			orDash(string(record.Kind)),
			record.Status,
			orDash(record.FromType),
			orDash(record.ToType),
			message,
		)
	}
}

func printFleet(w io.Writer, results []analyzer.FleetResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No instances found")
		return
	}

	decisions := map[string]int{}
	fmt.Fprintf(w, "%-20s %-12s %-8s %-10s %s\n", "INSTANCE", "TYPE", "CPU", "DECISION", "SUGGESTED")
	fmt.Fprintln(w, strings.Repeat("=", 72))
	for _, result := range results {
		if result.Recommendation == nil {
			decisions["error"]++
			fmt.Fprintf(w, "%-20s error: %s\n", result.InstanceID, result.Error)
			continue
		}
		rec := result.Recommendation
		decisions[string(rec.Decision)]++
		fmt.Fprintf(w, "%-20s %-12s %-8s %-10s %s\n",
			result.InstanceID,
			rec.CurrentInstanceType,
			fmt.Sprintf("%.1f%%", rec.AverageCPUUsagePercent),
			rec.Decision,
			orDash(rec.TargetType()),
		)
	}

	keys := make([]string, 0, len(decisions))
	for key := range decisions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Total instances: %d\n", len(results))
	for _, key := range keys {
		fmt.Fprintf(w, "  %s: %d\n", key, decisions[key])
	}
}
