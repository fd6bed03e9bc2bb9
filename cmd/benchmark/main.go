// Benchmark tool for testing Kestrel against labeled transaction data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/transactions.csv -url http://localhost:8080
//
// This tool:
//   1. Reads labeled e-commerce transaction data (with fraud labels)
//   2. Sends each transaction to Kestrel for evaluation
//   3. Compares Kestrel's decision with the actual fraud labels
//   4. Calculates precision, recall, F1-score, and confusion matrix
//
// Expected CSV columns (header required, order free):
//   transaction_id, user_id, amount, ip_address, email, card_bin, is_fraud
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

// LabeledTransaction is one row of the benchmark dataset.
type LabeledTransaction struct {
	TransactionID string
	UserID        string
	Amount        float64
	IPAddress     string
	Email         string
	CardBIN       string
	IsFraud       bool
}

// EvaluateRequest mirrors the Kestrel API request format.
type EvaluateRequest struct {
	TransactionID string         `json:"transactionId"`
	UserID        string         `json:"userId"`
	Amount        float64        `json:"amount"`
	IPAddress     string         `json:"ipAddress"`
	Email         string         `json:"email,omitempty"`
	Payment       PaymentInfo    `json:"payment"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// PaymentInfo carries card metadata.
type PaymentInfo struct {
	Method  string `json:"method"`
	CardBIN string `json:"cardBin,omitempty"`
}

// EvaluateResponse is the subset of the Kestrel response the benchmark needs.
type EvaluateResponse struct {
	ID        string  `json:"id"`
	RiskScore float64 `json:"riskScore"`
	RiskLevel string  `json:"riskLevel"`
	Decision  string  `json:"decision"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // Fraud that was flagged
	FalsePositives int64 // Non-fraud that was flagged
	TrueNegatives  int64 // Non-fraud that was approved
	FalseNegatives int64 // Fraud that was approved (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled transaction CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only test fraud transactions")
	authAsAlert := flag.Bool("auth-as-alert", false, "Count ADDITIONAL_AUTH_REQUIRED as a fraud prediction, not just BLOCKED")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("=============================================================")
	fmt.Println("         KESTREL BENCHMARK - Fraud Detection")
	fmt.Println("=============================================================")
	fmt.Printf("\nCSV File:      %s\n", *csvPath)
	fmt.Printf("Kestrel URL:   %s\n", *baseURL)
	fmt.Printf("Workers:       %d\n", *workers)
	fmt.Printf("Limit:         %d\n", *limit)
	fmt.Printf("Fraud Only:    %v\n", *fraudOnly)
	fmt.Printf("Auth as Alert: %v\n", *authAsAlert)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	fmt.Printf("\nReading transactions from %s...\n", *csvPath)
	transactions, err := readCSV(*csvPath, *limit, *fraudOnly)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions\n", len(transactions))

	fraudCount := 0
	for _, tx := range transactions {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(transactions)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(transactions)-fraudCount, 100*float64(len(transactions)-fraudCount)/float64(len(transactions)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(transactions, *baseURL, *workers, *authAsAlert, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readCSV(path string, limit int, fraudOnly bool) ([]LabeledTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"transaction_id", "user_id", "amount", "is_fraud"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	field := func(record []string, name string) string {
		if i, ok := colIndex[name]; ok && i < len(record) {
			return record[i]
		}
		return ""
	}

	var transactions []LabeledTransaction
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		isFraud := field(record, "is_fraud") == "1"
		if fraudOnly && !isFraud {
			continue
		}

		amount, _ := strconv.ParseFloat(field(record, "amount"), 64)

		transactions = append(transactions, LabeledTransaction{
			TransactionID: field(record, "transaction_id"),
			UserID:        field(record, "user_id"),
			Amount:        amount,
			IPAddress:     field(record, "ip_address"),
			Email:         field(record, "email"),
			CardBIN:       field(record, "card_bin"),
			IsFraud:       isFraud,
		})

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

func runBenchmark(transactions []LabeledTransaction, baseURL string, numWorkers int, authAsAlert, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabeledTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				result, err := evaluateTransaction(client, baseURL, tx)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.TransactionID, err)
					}
					continue
				}

				if tx.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				predicted := result.Decision == "BLOCKED"
				if authAsAlert {
					predicted = predicted || result.Decision == "ADDITIONAL_AUTH_REQUIRED"
				}
				actual := tx.IsFraud

				switch {
				case predicted && actual:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !actual:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "ok  "
					if (predicted && !actual) || (!predicted && actual) {
						status = "miss"
					}
					fmt.Printf("%s %-16s | Amount: $%12.2f | Fraud: %-5v | Kestrel: %-24s (%.1f)\n",
						status, tx.TransactionID, tx.Amount, tx.IsFraud, result.Decision, result.RiskScore)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)
	wg.Wait()

	return metrics
}

func evaluateTransaction(client *http.Client, baseURL string, tx LabeledTransaction) (*EvaluateResponse, error) {
	req := EvaluateRequest{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		Amount:        tx.Amount,
		IPAddress:     tx.IPAddress,
		Email:         tx.Email,
		Payment: PaymentInfo{
			Method:  "card",
			CardBIN: tx.CardBIN,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n=============================================================")
	fmt.Println("                   BENCHMARK RESULTS")
	fmt.Println("=============================================================")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                      Predicted")
	fmt.Println("                  FLAG        PASS")
	fmt.Printf("   Actual  F   %8d    %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          NF   %8d    %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\nDETECTION ANALYSIS\n")
	if m.TotalFraud > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalFraud) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalFraud) * 100
		fmt.Printf("   Fraud Detected:    %d / %d (%.2f%%)\n", m.TruePositives, m.TotalFraud, detectionRate)
		fmt.Printf("   Fraud Missed:      %d / %d (%.2f%%)\n", m.FalseNegatives, m.TotalFraud, missRate)
	}
	if m.TotalNonFraud > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalNonFraud) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalNonFraud, falseAlarmRate)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Println()
}
