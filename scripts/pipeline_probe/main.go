package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/noah-isme/quizlearn-api/pkg/config"
	"github.com/noah-isme/quizlearn-api/pkg/lightrag"
)

type probeResult struct {
	TrackID  string
	Status   *lightrag.TrackStatus
	Err      error
	Duration time.Duration
}

func main() {
	var (
		trackIDs string
		timeout  time.Duration
		watch    time.Duration
	)

	flag.StringVar(&trackIDs, "track", "", "Comma separated track ids to resolve")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "Timeout per LightRAG call")
	flag.DurationVar(&watch, "watch", 0, "Repeat the pipeline probe at this interval until interrupted")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	lightragCfg := cfg.LightRAG
	lightragCfg.Timeout = timeout

	client, err := lightrag.NewClient(lightragCfg)
	if err != nil {
		log.Fatalf("failed to init lightrag client: %v", err)
	}

	ids := splitIDs(trackIDs)
	failures := 0
	for {
		failures = 0
		if err := printPipeline(client, timeout); err != nil {
			failures++
		}
		results := resolveTracks(client, ids, timeout)
		printTracks(results)
		for _, res := range results {
			if res.Err != nil {
				failures++
			}
		}
		if watch <= 0 {
			break
		}
		fmt.Println()
		time.Sleep(watch)
	}

	if failures > 0 {
		os.Exit(1)
	}
}

func printPipeline(client *lightrag.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	status, err := client.PipelineStatus(ctx)
	elapsed := time.Since(start)
	fmt.Println("Pipeline Status")
	fmt.Println("===============")
	if err != nil {
		fmt.Printf("[ERROR] %v (%s)\n", describe(err), elapsed)
		return err
	}
	state := "IDLE"
	if !status.Idle() {
		state = "BUSY"
	}
	fmt.Printf("[%s] job=%q docs=%d batch=%d/%d pending=%t (%s)\n",
		state, status.JobName, status.Docs, status.CurBatch, status.Batchs, status.RequestPending, elapsed)
	if status.LatestMessage != "" {
		fmt.Printf("  Latest: %s\n", status.LatestMessage)
	}
	return nil
}

func resolveTracks(client *lightrag.Client, ids []string, timeout time.Duration) []probeResult {
	results := make([]probeResult, 0, len(ids))
	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		start := time.Now()
		status, err := client.CheckTrackStatus(ctx, id)
		cancel()
		results = append(results, probeResult{TrackID: id, Status: status, Err: err, Duration: time.Since(start)})
	}
	return results
}

func printTracks(results []probeResult) {
	if len(results) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("Track Resolution")
	fmt.Println("================")
	for _, res := range results {
		if res.Err != nil {
			fmt.Printf("[ERROR] %s: %v (%s)\n", res.TrackID, describe(res.Err), res.Duration)
			continue
		}
		state := "PENDING"
		switch {
		case !res.Status.Exists:
			state = "UNKNOWN"
		case res.Status.Processed:
			state = "PROCESSED"
		}
		fmt.Printf("[%s] %s (%s)\n", state, res.TrackID, res.Duration)
		if res.Status.DocumentID != "" {
			fmt.Printf("  Permanent ID: %s\n", res.Status.DocumentID)
		}
		for _, doc := range res.Status.Documents {
			chunks := "-"
			if doc.ChunksCount != nil {
				chunks = fmt.Sprintf("%d", *doc.ChunksCount)
			}
			fmt.Printf("  %s status=%s chunks=%s %s\n", doc.ID, doc.Status, chunks, doc.ErrorMsg)
		}
	}
}

func describe(err error) string {
	var transport *lightrag.TransportError
	if errors.As(err, &transport) {
		return "transport: " + err.Error()
	}
	return err.Error()
}

func splitIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}
