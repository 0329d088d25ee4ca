package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Load generator for the reward engine. The hotspot workload aims every
// worker at one (account, survey) pair, so almost every request after the
// first loses the completion-insert race; the abort split is the interesting
// output.
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	created201    uint64
	conflict409   uint64
	rejected422   uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot | withdrawals")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, i, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, id int, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		var status int
		var err error
		if workload == "withdrawals" {
			status, err = postWithdrawal(client, id)
		} else {
			status, err = postSubmission(client, id)
		}
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch status {
		case 201:
			atomic.AddUint64(&created201, 1)
		case 409:
			atomic.AddUint64(&conflict409, 1)
		case 422:
			atomic.AddUint64(&rejected422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func postSubmission(client *http.Client, worker int) (int, error) {
	contactKey, surveyID := pickTarget(worker)

	payload := map[string]interface{}{
		"survey_id":   surveyID,
		"contact_key": contactKey,
		"answers": map[string]interface{}{
			"sleep_hours":   "7",
			"exercise_days": "3",
			"mood":          "fine",
		},
	}
	body, _ := json.Marshal(payload)

	req, _ := http.NewRequest("POST", targetURL+"/api/v1/submissions", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func postWithdrawal(client *http.Client, worker int) (int, error) {
	// Hammers a handful of accounts so requests contend on the row lock.
	accountID := rand.Intn(5) + 1

	payload := map[string]interface{}{
		"account_id":  accountID,
		"amount":      "5.00",
		"destination": fmt.Sprintf("paypal:bench-%d@example.com", worker),
	}
	body, _ := json.Marshal(payload)

	req, _ := http.NewRequest("POST", targetURL+"/api/v1/withdrawals", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func pickTarget(worker int) (string, int) {
	if workload == "hotspot" {
		// Every worker is the same participant answering the same survey;
		// exactly one 201 should ever appear.
		return "hotspot@example.com", 1
	}
	contact := fmt.Sprintf("bench-%d-%d@example.com", worker, rand.Intn(10000))
	return contact, rand.Intn(3) + 1
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	c201 := atomic.LoadUint64(&created201)
	c409 := atomic.LoadUint64(&conflict409)
	c422 := atomic.LoadUint64(&rejected422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	conflictRate := float64(c409) / float64(total) * 100

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"created":           c201,
		"conflicts":         c409,
		"rejected":          c422,
		"conflict_rate_pct": conflictRate,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
