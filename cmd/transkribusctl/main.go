package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"transkribusctl/internal/config"
	"transkribusctl/internal/gather"
	"transkribusctl/internal/storage"
	"transkribusctl/internal/task"
	"transkribusctl/internal/transkribus"
	"transkribusctl/internal/worker"
)

const configFile = "transkribusctl.json"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg := config.Default()
	if c, err := config.Load(configFile); err == nil {
		cfg = c
	}

	switch os.Args[1] {
	case "recognize":
		recognizeCmd(cfg)
	case "gather":
		gatherCmd()
	case "runs":
		runsCmd(cfg)
	case "config":
		configCmd(cfg)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("transkribusctl - batch text recognition via the Transkribus API")
	fmt.Println("usage: transkribusctl <command> [options]")
	fmt.Println("commands: recognize, gather, runs, config")
}

func recognizeCmd(cfg *config.Config) {
	fs := flag.NewFlagSet("recognize", flag.ExitOnError)
	verbose := fs.Bool("v", false, "Show additional output")
	outputFolder := fs.String("output-folder", cfg.OutputFolder, "Folder to output JSON responses")
	concurrency := fs.Int("concurrency", cfg.Concurrency, "Maximum number of concurrent image recognition tasks")
	limit := fs.Int("limit", 0, "Maximum number of tasks to process from the input file, includes skipped/failed tasks (0 = all)")
	fs.Parse(os.Args[2:])

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: recognize [options] <image-tasks-file>")
		os.Exit(1)
	}
	tasksFile := fs.Arg(0)

	username := os.Getenv("TRANSKRIBUS_USER")
	password := os.Getenv("TRANSKRIBUS_PASSWORD")
	if username == "" || password == "" {
		fmt.Fprintln(os.Stderr, "please supply both TRANSKRIBUS_USER and TRANSKRIBUS_PASSWORD")
		os.Exit(1)
	}

	cfg.Concurrency = *concurrency
	cfg.OutputFolder = *outputFolder
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	if *limit < 0 {
		fmt.Fprintln(os.Stderr, "limit must be a positive integer")
		os.Exit(1)
	}

	f, err := os.Open(tasksFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot read input file:", err)
		os.Exit(1)
	}
	items, err := task.ParseList(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid input file %s: %v\n", tasksFile, err)
		os.Exit(1)
	}
	items = task.Limit(items, *limit)
	for i := range items {
		items[i].Destination = filepath.Join(cfg.OutputFolder, items[i].Destination)
	}
	if err := os.MkdirAll(cfg.OutputFolder, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "cannot create output folder:", err)
		os.Exit(1)
	}

	store := storage.NewSQLiteStorage()
	if err := store.Init(cfg.DBPath); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init storage:", err)
		os.Exit(2)
	}
	defer store.Close()

	client := transkribus.NewClient(transkribus.ClientConfig{
		OIDCEndpoint:      cfg.OIDCEndpoint,
		ProcessesEndpoint: cfg.ProcessesEndpoint,
		ClientID:          cfg.ClientID,
		HTRID:             cfg.HTRID,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Printf("getting access token...")
	tok, err := client.Login(ctx, username, password)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// A failed refresh would stall every in-flight job, so it cancels the
	// run instead; pipelines still drain to a terminal disposition.
	var renewFailed atomic.Bool
	tokens := transkribus.NewTokenSource(client, tok)
	tokens.Start(ctx, func(err error) {
		log.Printf("token refresh failed: %v", err)
		renewFailed.Store(true)
		cancel()
	})

	run := &storage.Run{TasksFile: tasksFile}
	if err := store.BeginRun(run); err != nil {
		log.Printf("run ledger: %v", err)
	}

	runner := worker.NewRunner(client, tokens, worker.Config{
		Concurrency:  cfg.Concurrency,
		PollInterval: time.Duration(cfg.PollIntervalSecs) * time.Second,
		PollTimeout:  time.Duration(cfg.PollTimeoutSecs) * time.Second,
		RPS:          cfg.RPS,
		Verbose:      *verbose,
	})
	runner.OnResult = func(item task.WorkItem, disposition string, err error) {
		it := &storage.ItemResult{
			RunID:       run.ID,
			Source:      item.Source,
			Destination: item.Destination,
			Disposition: disposition,
		}
		if err != nil {
			it.LastError = err.Error()
		}
		if err := store.RecordItem(it); err != nil {
			log.Printf("run ledger: %v", err)
		}
	}

	summary, err := runner.Run(ctx, items)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	tokens.Stop()
	log.Printf("revoking API tokens...")
	if err := client.Revoke(context.Background(), tokens.Current().RefreshToken); err != nil {
		log.Printf("token revocation failed: %v", err)
	}

	run.Processed = summary.Processed
	run.Failed = summary.Failed
	run.Skipped = summary.Skipped
	if err := store.FinishRun(run); err != nil {
		log.Printf("run ledger: %v", err)
	}

	log.Printf("operation complete!")
	log.Printf("processed %d images, %d failed, %d skipped", summary.Processed, summary.Failed, summary.Skipped)

	if renewFailed.Load() {
		os.Exit(1)
	}
}

func gatherCmd() {
	fs := flag.NewFlagSet("gather", flag.ExitOnError)
	output := fs.String("o", "image_urls.tsv", "Path to output file")
	overwrite := fs.Bool("overwrite", false, "Overwrite output file if it already exists")
	fs.Parse(os.Args[2:])

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: gather [options] <druids-file>")
		os.Exit(1)
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot read input file:", err)
		os.Exit(1)
	}
	var druids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			druids = append(druids, line)
		}
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "cannot read input file:", err)
		os.Exit(1)
	}

	if _, err := os.Stat(*output); err == nil {
		if !*overwrite {
			fmt.Fprintf(os.Stderr, "output file %s already exists; pass -overwrite to overwrite\n", *output)
			os.Exit(1)
		}
		if err := os.Remove(*output); err != nil {
			fmt.Fprintln(os.Stderr, "cannot remove output file:", err)
			os.Exit(1)
		}
	}

	out, err := os.Create(*output)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot create output file:", err)
		os.Exit(1)
	}
	defer out.Close()

	g := &gather.Gatherer{}
	if err := g.Run(context.Background(), druids, out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runsCmd(cfg *config.Config) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	last := fs.Int("last", 20, "Number of runs to show")
	runID := fs.String("run", "", "Show item results for one run ID")
	fs.Parse(os.Args[2:])

	store := storage.NewSQLiteStorage()
	if err := store.Init(cfg.DBPath); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init storage:", err)
		os.Exit(2)
	}
	defer store.Close()

	if *runID != "" {
		items, err := store.ListItems(*runID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list error:", err)
			os.Exit(1)
		}
		for _, it := range items {
			fmt.Printf("%s \t %s \t %s \t %s\n", it.Disposition, it.Source, it.Destination, it.LastError)
		}
		return
	}

	runs, err := store.ListRuns(*last)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list error:", err)
		os.Exit(1)
	}
	for _, r := range runs {
		fmt.Printf("%s \t %s \t processed=%d failed=%d skipped=%d started=%s\n",
			r.ID, r.TasksFile, r.Processed, r.Failed, r.Skipped, r.StartedAt.Format(time.RFC3339))
	}
}

func configCmd(cfg *config.Config) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "config set key value | config get")
		os.Exit(1)
	}
	switch os.Args[2] {
	case "set":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "usage: config set <key> <value>")
			os.Exit(1)
		}
		key := os.Args[3]
		val := os.Args[4]
		switch key {
		case "concurrency":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.Concurrency = v
			}
		case "output-folder":
			cfg.OutputFolder = val
		case "poll-interval":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.PollIntervalSecs = v
			}
		case "poll-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.PollTimeoutSecs = v
			}
		case "rps":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.RPS = v
			}
		case "db-path":
			cfg.DBPath = val
		default:
			fmt.Fprintln(os.Stderr, "unknown config key", key)
			os.Exit(1)
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, "invalid configuration:", err)
			os.Exit(1)
		}
		if err := cfg.Save(configFile); err != nil {
			fmt.Fprintln(os.Stderr, "failed to save config:", err)
			os.Exit(1)
		}
		fmt.Println("config saved")
	case "get":
		b, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(b))
	default:
		fmt.Fprintln(os.Stderr, "unknown config command", os.Args[2])
		os.Exit(1)
	}
}
