// Command list-node-groups prints the hostnames and public addresses of the
// platform's media nodes.
//
// Credentials come from CEEBLUE_TOKEN, or CEEBLUE_USERNAME and
// CEEBLUE_PASSWORD. The exit status is 1 on configuration or request errors
// and 2 when the platform returns no node groups.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"stream-failover/internal/ceeblue"
	"stream-failover/internal/observability/logging"
	"stream-failover/internal/observability/metrics"
)

const (
	exitOK    = 0
	exitError = 1
	exitEmpty = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type nodeRow struct {
	Key      string `json:"key"`
	Hostname string `json:"hostname,omitempty"`
	IP       string `json:"ip,omitempty"`
}

type inputRow struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
	Live   bool   `json:"live"`
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list-node-groups", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "text", "output format (text or json)")
	withInputs := fs.Bool("inputs", false, "also list inputs and their ingest status")
	timeout := fs.Duration("timeout", 30*time.Second, "overall request timeout")
	logLevel := fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitError
	}
	if *format != "text" && *format != "json" {
		fmt.Fprintf(stderr, "unsupported format %q\n", *format)
		return exitError
	}

	logger := logging.WithComponent(logging.New(logging.Config{Level: *logLevel, Format: logging.FormatText, Writer: stderr}), "list-node-groups")
	cfg, err := ceeblue.LoadConfigFromEnv()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	client, err := ceeblue.NewClient(cfg, logger, metrics.New())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	groups, err := client.NodeGroups(ctx)
	if err != nil {
		logger.Error("list node groups failed", "error", err)
		return exitError
	}
	if len(groups) == 0 {
		fmt.Fprintln(stderr, "no node groups returned")
		return exitEmpty
	}
	addresses, keys := ceeblue.NodeAddresses(groups)
	nodes := make([]nodeRow, 0, len(keys))
	for _, key := range keys {
		addr := addresses[key]
		nodes = append(nodes, nodeRow{Key: key, Hostname: addr.Hostname, IP: addr.IP})
	}

	var inputs []inputRow
	if *withInputs {
		list, err := client.Inputs(ctx)
		if err != nil {
			logger.Error("list inputs failed", "error", err)
			return exitError
		}
		for _, input := range list {
			inputs = append(inputs, inputRow{ID: input.ID, Name: input.Name, Status: input.Status, Live: input.Live()})
		}
	}

	if err := render(stdout, *format, nodes, inputs, *withInputs); err != nil {
		logger.Error("write output", "error", err)
		return exitError
	}
	return exitOK
}

func render(w io.Writer, format string, nodes []nodeRow, inputs []inputRow, withInputs bool) error {
	if format == "json" {
		payload := map[string]interface{}{"nodes": nodes}
		if withInputs {
			if inputs == nil {
				inputs = []inputRow{}
			}
			payload["inputs"] = inputs
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(payload)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tHOSTNAME\tIP")
	for _, node := range nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", node.Key, dash(node.Hostname), dash(node.IP))
	}
	if withInputs {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "INPUT\tNAME\tSTATUS\tLIVE")
		for _, input := range inputs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", input.ID, dash(input.Name), input.Status, input.Live)
		}
	}
	return tw.Flush()
}

func dash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
