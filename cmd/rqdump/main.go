// Command rqdump prints what the local buffer holds for each queue: unsent
// message counts and the last flush record.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/clusive/readerqueue/internal/buffer"
	"github.com/clusive/readerqueue/internal/config"
	"github.com/clusive/readerqueue/internal/queue"
)

func main() {
	queues := flag.String("queues", "preferences,telemetry,autosave", "Comma-separated queue names to inspect")
	asJSON := flag.Bool("json", false, "Print reports as JSON")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	if cfg.BufferMode == "inmemory" {
		fmt.Fprintln(os.Stderr, "inmemory buffer is private to the running process; use -buffer-mode redis or sqlite")
		os.Exit(2)
	}

	var buf buffer.Storage
	switch cfg.BufferMode {
	case "redis":
		buf, err = buffer.NewRedis(cfg.Namespace, cfg.RedisAddr)
	case "sqlite":
		buf, err = buffer.NewSQLite(cfg.Namespace, cfg.SQLitePath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open buffer: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = buf.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var reports []queue.Report
	for _, name := range strings.Split(*queues, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		rep, err := queue.Inspect(ctx, buf, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			continue
		}
		reports = append(reports, rep)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode: %v\n", err)
			os.Exit(1)
		}
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tPENDING\tOLDEST\tNEWEST\tLAST FLUSH\tLAST RETURN")
	for _, r := range reports {
		lastAt, lastMsg := "-", "-"
		if r.LastReturn != nil {
			lastAt = r.LastReturn.Timestamp
			lastMsg = string(r.LastReturn.ReturnMessage)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", r.Queue, r.Pending, orDash(r.Oldest), orDash(r.Newest), lastAt, lastMsg)
	}
	_ = tw.Flush()

	if rb, ok := buf.(*buffer.RedisBuffer); ok {
		reads, writes := rb.Stats()
		fmt.Fprintf(os.Stderr, "redis operations: %d reads, %d writes\n", reads, writes)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
