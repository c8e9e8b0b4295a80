// Plant Database CLI Tool
// Provides command-line access to the plant controller's local journal
package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agsys/plant-controller/internal/clock"
	"github.com/agsys/plant-controller/internal/storage"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "plant-db",
		Short: "Plant controller database CLI",
		Long:  "Command-line tool for inspecting the plant controller's local journal.",
	}

	readingsCmd = &cobra.Command{
		Use:   "readings",
		Short: "Show recent sensor readings",
		RunE:  showReadings,
	}

	pumpsCmd = &cobra.Command{
		Use:   "pumps",
		Short: "Show pump activations",
		RunE:  showPumpEvents,
	}

	testsCmd = &cobra.Command{
		Use:   "tests",
		Short: "Show self-test reports",
		RunE:  showTests,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/plant/controller.db", "Database file path")

	readingsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	pumpsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	testsCmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of records to show")

	rootCmd.AddCommand(readingsCmd)
	rootCmd.AddCommand(pumpsCmd)
	rootCmd.AddCommand(testsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return clock.FormatLocal(ms)
}

func showReadings(cmd *cobra.Command, args []string) error {
	db, err := storage.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	readings, err := db.GetRecentReadings(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tM1\tM2\tM3\tM4\tTEMP\tHUM\tWATER\tDIST\tSYNCED")
	fmt.Fprintln(w, "--\t----\t--\t--\t--\t--\t----\t---\t-----\t----\t------")
	for _, r := range readings {
		fmt.Fprintf(w, "%d\t%s\t%.0f%%\t%.0f%%\t%.0f%%\t%.0f%%\t%.1f°C\t%.0f%%\t%.0f%%\t%.1fcm\t%v\n",
			r.ID, formatTime(r.Timestamp),
			r.Moisture[0], r.Moisture[1], r.Moisture[2], r.Moisture[3],
			r.TemperatureC, r.Humidity, r.WaterLevelPct, r.WaterLevelCm, r.SyncedToCloud)
	}
	w.Flush()
	return nil
}

func showPumpEvents(cmd *cobra.Command, args []string) error {
	db, err := storage.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := db.GetPumpEvents(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tPUMP\tREASON\tDURATION\tERROR")
	fmt.Fprintln(w, "--\t----\t----\t------\t--------\t-----")
	for _, e := range events {
		errStr := e.Error
		if errStr == "" {
			errStr = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
			e.ID, formatTime(e.StartedAt), e.Pump, e.Reason, e.Duration.Round(time.Millisecond), errStr)
	}
	w.Flush()
	return nil
}

func showTests(cmd *cobra.Command, args []string) error {
	db, err := storage.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := db.GetTestResults(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTRIGGER\tSTATUS\tFAILED\tDETAILS")
	fmt.Fprintln(w, "----\t-------\t------\t------\t-------")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			formatTime(r.Timestamp), r.Trigger, strings.ToUpper(string(r.OverallStatus)), r.FailedCount, r.Details)
	}
	w.Flush()
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := storage.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := db.GetStats()
	if err != nil {
		return err
	}

	fmt.Println("Database Statistics")
	fmt.Println("===================")
	fmt.Printf("Readings:       %d (%d unsynced)\n", s.Readings, s.UnsyncedReadings)
	fmt.Printf("Pump events:    %d\n", s.PumpEvents)
	fmt.Printf("Test results:   %d\n", s.TestResults)
	fmt.Printf("First reading:  %s\n", formatTime(s.FirstReading))
	fmt.Printf("Last reading:   %s\n", formatTime(s.LastReading))
	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := storage.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(args[0])
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]any, len(cols))
	valuePtrs := make([]any, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return rows.Err()
}
