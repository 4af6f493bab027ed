// Batch recalculation tool for month-end receipt processing.
//
// Usage:
//   go run cmd/recalc/main.go -csv /path/to/patients.csv -url http://localhost:8080 -facility FAC001
//
// This tool:
//  1. Reads a CSV of patient-months (patient_id, year, month)
//  2. Sends each patient-month to the kasan API for recalculation
//  3. Reports completed, conflicted, and failed months
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PatientMonth is a row from the input CSV.
type PatientMonth struct {
	PatientID string
	Year      int
	Month     int
}

// RecalculateRequest is the kasan API request format.
type RecalculateRequest struct {
	PatientID string `json:"patientId"`
	Year      int    `json:"year"`
	Month     int    `json:"month"`
	Async     bool   `json:"async,omitempty"`
}

// Metrics tracks batch results.
type Metrics struct {
	Completed int64
	Queued    int64
	Conflicts int64
	Errors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to patient-month CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "kasan base URL")
	facilityID := flag.String("facility", "", "Facility ID for requests")
	workers := flag.Int("workers", 4, "Number of concurrent workers")
	async := flag.Bool("async", false, "Queue recalculations instead of waiting")
	verbose := flag.Bool("verbose", false, "Print each patient-month result")
	flag.Parse()

	if *csvPath == "" || *facilityID == "" {
		fmt.Println("Usage: recalc -csv /path/to/patients.csv -facility FAC001 [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("kasan batch recalculation")
	fmt.Printf("\nCSV File:  %s\n", *csvPath)
	fmt.Printf("URL:       %s\n", *baseURL)
	fmt.Printf("Facility:  %s\n", *facilityID)
	fmt.Printf("Workers:   %d\n", *workers)
	fmt.Printf("Async:     %v\n", *async)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: kasan not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure kasan is running:")
		fmt.Println("  go run cmd/kasan/main.go")
		os.Exit(1)
	}
	fmt.Println("kasan is healthy")

	months, err := readPatientMonths(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("loaded %d patient-months\n\n", len(months))

	start := time.Now()
	metrics := &Metrics{}

	jobs := make(chan PatientMonth)
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 120 * time.Second}
			for pm := range jobs {
				processMonth(client, *baseURL, *facilityID, pm, *async, *verbose, metrics)
			}
		}()
	}

	for _, pm := range months {
		jobs <- pm
	}
	close(jobs)
	wg.Wait()

	metrics.ProcessingTimeMs = time.Since(start).Milliseconds()
	printReport(metrics, len(months))

	if metrics.Errors > 0 {
		os.Exit(1)
	}
}

func processMonth(client *http.Client, baseURL, facilityID string, pm PatientMonth, async, verbose bool, m *Metrics) {
	req := RecalculateRequest{
		PatientID: pm.PatientID,
		Year:      pm.Year,
		Month:     pm.Month,
		Async:     async,
	}
	body, _ := json.Marshal(req)

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/recalculate", bytes.NewReader(body))
	if err != nil {
		atomic.AddInt64(&m.Errors, 1)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Facility-ID", facilityID)

	resp, err := client.Do(httpReq)
	if err != nil {
		atomic.AddInt64(&m.Errors, 1)
		if verbose {
			fmt.Printf("  %s %d-%02d ERROR: %v\n", pm.PatientID, pm.Year, pm.Month, err)
		}
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		atomic.AddInt64(&m.Completed, 1)
		if verbose {
			fmt.Printf("  %s %d-%02d completed\n", pm.PatientID, pm.Year, pm.Month)
		}
	case http.StatusAccepted:
		atomic.AddInt64(&m.Queued, 1)
		if verbose {
			fmt.Printf("  %s %d-%02d queued\n", pm.PatientID, pm.Year, pm.Month)
		}
	case http.StatusConflict:
		atomic.AddInt64(&m.Conflicts, 1)
		if verbose {
			fmt.Printf("  %s %d-%02d conflict (already in progress)\n", pm.PatientID, pm.Year, pm.Month)
		}
	default:
		atomic.AddInt64(&m.Errors, 1)
		if verbose {
			fmt.Printf("  %s %d-%02d ERROR: status %d\n", pm.PatientID, pm.Year, pm.Month, resp.StatusCode)
		}
	}
}

// readPatientMonths parses the input CSV. Expected columns:
// patient_id, year, month. A header row is skipped when present.
func readPatientMonths(path string) ([]PatientMonth, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	var months []PatientMonth
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++

		if len(record) < 3 {
			return nil, fmt.Errorf("line %d: expected patient_id,year,month", line)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(record[0]), "patient_id") {
			continue
		}

		year, err := strconv.Atoi(strings.TrimSpace(record[1]))
		if err != nil {
			return nil, fmt.Errorf("line %d: bad year: %w", line, err)
		}
		month, err := strconv.Atoi(strings.TrimSpace(record[2]))
		if err != nil || month < 1 || month > 12 {
			return nil, fmt.Errorf("line %d: bad month", line)
		}

		months = append(months, PatientMonth{
			PatientID: strings.TrimSpace(record[0]),
			Year:      year,
			Month:     month,
		})
	}

	return months, nil
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func printReport(m *Metrics, total int) {
	fmt.Println()
	fmt.Println("Results")
	fmt.Printf("  Total:      %d\n", total)
	fmt.Printf("  Completed:  %d\n", m.Completed)
	fmt.Printf("  Queued:     %d\n", m.Queued)
	fmt.Printf("  Conflicts:  %d\n", m.Conflicts)
	fmt.Printf("  Errors:     %d\n", m.Errors)
	fmt.Printf("  Duration:   %dms\n", m.ProcessingTimeMs)
	if total > 0 && m.ProcessingTimeMs > 0 {
		fmt.Printf("  Throughput: %.1f months/sec\n", float64(total)/(float64(m.ProcessingTimeMs)/1000.0))
	}
}
