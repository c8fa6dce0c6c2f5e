package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ahmadzakiakmal/custody/client"
)

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:5000", "Custody API base URL")
	iterations := flag.Int("n", 1, "Number of iterations to run")
	timeout := flag.Duration("timeout", 35*time.Second, "Per-request timeout")
	flag.Parse()

	filename := fmt.Sprintf("custody_benchmark_n_%d.csv", *iterations)
	file, err := os.Create(filename)
	if err != nil {
		fmt.Printf("Error creating CSV file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Iteration", "Step", "Method", "Endpoint", "Status", "Latency_ms", "BlockHeight"}
	if err := writer.Write(header); err != nil {
		fmt.Printf("Error writing CSV header: %v\n", err)
		return
	}

	ctx := context.Background()
	workflow, err := client.Connect(ctx, client.NewHTTPClient(*baseURL, *timeout))
	if err != nil {
		fmt.Printf("Error connecting: %v\n", err)
		return
	}

	for i := range *iterations {
		fmt.Printf("\n[Iteration %d/%d]\n", i+1, *iterations)
		results, err := workflow.Run(ctx, fmt.Sprintf("bench-%d-%d", time.Now().Unix(), i))
		for _, result := range results {
			fmt.Printf("%-18s %4d [Delay: %v]\n", result.Name, result.Status, result.Latency)
			record := []string{
				strconv.Itoa(i + 1),
				result.Name,
				result.Method,
				result.Endpoint,
				strconv.Itoa(result.Status),
				strconv.FormatInt(result.Latency.Milliseconds(), 10),
				strconv.FormatInt(result.BlockHeight, 10),
			}
			if err := writer.Write(record); err != nil {
				fmt.Printf("Error writing record to CSV: %v\n", err)
			}
		}
		if err != nil {
			fmt.Printf("Iteration %d stopped: %v\n", i+1, err)
		}
	}

	fmt.Printf("\nBenchmark complete. Results saved to %s\n", filename)
}
