package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	targetURL   string
	concurrency int
	linkCount   int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	confirmed     uint64 // first confirmation of a reference
	replayed      uint64 // already_processed responses
	conflicts     uint64 // link no longer OPEN
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.IntVar(&linkCount, "links", 200, "Payment links to create before the run")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "replay", "Workload type: replay | contended")
}

type link struct {
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Links: %d | Duration: %s", workload, concurrency, linkCount, duration)

	client := &http.Client{Timeout: 5 * time.Second}
	links, err := createLinks(client)
	if err != nil {
		log.Fatalf("setup failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			worker(ctx, client, links)
			return nil
		})
	}
	_ = g.Wait()
	printResults(time.Since(start))
}

func createLinks(client *http.Client) ([]link, error) {
	org := uuid.NewString()
	out := make([]link, 0, linkCount)
	for i := 0; i < linkCount; i++ {
		body, _ := json.Marshal(map[string]any{
			"organization_id": org,
			"amount":          fmt.Sprintf("%d.%02d", 1+rand.Intn(500), rand.Intn(100)),
			"currency":        "USD",
			"description":     fmt.Sprintf("benchmark link %d", i),
		})
		resp, err := client.Post(targetURL+"/api/v1/payment-links", "application/json", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		var l link
		err = json.NewDecoder(resp.Body).Decode(&l)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusCreated {
			return nil, fmt.Errorf("create link: status %d", resp.StatusCode)
		}
		out = append(out, l)
	}
	return out, nil
}

func worker(ctx context.Context, client *http.Client, links []link) {
	for ctx.Err() == nil {
		l := links[rand.Intn(len(links))]

		// replay reuses one reference per link. contended sends a fresh
		// reference per request; either way a link confirms at most once.
		ref := "pi_bench_" + l.ID
		if workload == "contended" {
			ref = fmt.Sprintf("pi_bench_%s_%d", l.ID, time.Now().UnixNano())
		}

		body, _ := json.Marshal(map[string]any{
			"payment_link_id":   l.ID,
			"provider":          "card",
			"provider_ref":      ref,
			"amount_received":   l.Amount,
			"currency_received": "USD",
		})
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, targetURL+"/api/v1/confirmations", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				atomic.AddUint64(&failOther, 1)
			}
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusOK:
			var out struct {
				AlreadyProcessed bool `json:"already_processed"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&out)
			if out.AlreadyProcessed {
				atomic.AddUint64(&replayed, 1)
			} else {
				atomic.AddUint64(&confirmed, 1)
			}
		case http.StatusConflict:
			atomic.AddUint64(&conflicts, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	c := atomic.LoadUint64(&confirmed)
	r := atomic.LoadUint64(&replayed)
	f409 := atomic.LoadUint64(&conflicts)
	fErr := atomic.LoadUint64(&failOther)

	var conflictRate float64
	if total > 0 {
		conflictRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    float64(total) / d.Seconds(),
		"confirmed":         c,
		"replayed":          r,
		"conflicts":         f409,
		"conflict_rate_pct": conflictRate,
		"errors":            fErr,
		// never more confirmations than links
		"confirmations_ok": c <= uint64(linkCount),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("write results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
