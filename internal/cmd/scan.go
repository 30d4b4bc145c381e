package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/bulwark/internal/logging"
	"github.com/inercia/bulwark/internal/scanner"
)

var (
	scanPorts       string
	scanTimeout     time.Duration
	scanConcurrency int
	scanSingleHost  bool
	scanJSON        bool
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan HOST [HOST...]",
	Short: "Run a TCP connect port scan",
	Long: `Scan TCP ports on one or more hosts and list the open ones.

The same limits as the API apply: at most 1000 host/port combinations,
or any number of ports with --single-host and exactly one host.

Example:
  bulwark scan 192.0.2.10 --ports 22,80,443
  bulwark scan web1 web2 --ports 1-500 --timeout 300ms
  bulwark scan 192.0.2.10 --ports all --single-host --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVarP(&scanPorts, "ports", "p", "1-1000", "Ports: comma list and ranges (e.g. 22,80,8000-8100) or 'all'")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "Per-attempt connect timeout (default from config)")
	scanCmd.Flags().IntVar(&scanConcurrency, "concurrency", 0, "Concurrent attempts (default from config)")
	scanCmd.Flags().BoolVar(&scanSingleHost, "single-host", false, "Allow the full port range against a single host")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Print results as JSON")
}

func runScan(cmd *cobra.Command, args []string) error {
	s := scanner.New(scanner.Options{
		Logger:         logging.Scanner(),
		Timeout:        cfg.Scanner.Timeout,
		Concurrency:    cfg.Scanner.Concurrency,
		MaxConcurrency: cfg.Scanner.MaxConcurrency,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := s.Scan(ctx, scanner.Request{
		Hosts:       args,
		Ports:       scanPorts,
		Timeout:     scanTimeout,
		Concurrency: scanConcurrency,
		SingleHost:  scanSingleHost,
	})
	cancelled := errors.Is(err, context.Canceled)
	if err != nil && !cancelled {
		return err
	}

	out := cmd.OutOrStdout()
	if scanJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		printScanResults(out, results)
	}
	if cancelled {
		return errors.New("scan interrupted; results are partial")
	}
	return nil
}

// printScanResults writes one row per host.
func printScanResults(w io.Writer, results []scanner.HostResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tSCANNED\tOPEN\tDURATION\tPORTS")
	for _, r := range results {
		ports := make([]string, len(r.OpenPorts))
		for i, p := range r.OpenPorts {
			ports[i] = strconv.Itoa(p)
		}
		list := strings.Join(ports, ",")
		if list == "" {
			list = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", r.Host, r.TotalScanned, r.TotalOpen, r.Duration.Round(time.Millisecond), list)
	}
	tw.Flush()
}
