package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/compresr/prompt-gateway/internal/config"
	"github.com/compresr/prompt-gateway/internal/gateway"
)

var statusClient = &http.Client{Timeout: 2 * time.Second}

// checkGatewayRunning checks if a gateway answers /health on the port.
func checkGatewayRunning(baseURL string) bool {
	resp, err := statusClient.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// isPortInUse checks if a TCP port is in use.
func isPortInUse(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return true
	}
	_ = listener.Close()
	return false
}

func fetchStats(baseURL string) (*gateway.StatsResponse, error) {
	resp, err := statusClient.Get(baseURL + "/stats")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("/stats returned %d", resp.StatusCode)
	}
	var stats gateway.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &stats, nil
}

// runCheck reports on a gateway running on localhost. It returns the process
// exit code.
func runCheck(args []string) int {
	port := config.DefaultPort
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-p", "--port":
			if i+1 >= len(args) {
				printError(args[i] + " requires a value")
				return 1
			}
			i++
			p, err := strconv.Atoi(args[i])
			if err != nil || p <= 0 || p > 65535 {
				printError(fmt.Sprintf("invalid port '%s'", args[i]))
				return 1
			}
			port = p
		default:
			printError("unknown option: " + args[i])
			return 1
		}
	}
	// #nosec G107 -- localhost-only, port from flags
	return checkGateway(fmt.Sprintf("http://localhost:%d", port))
}

func checkGateway(baseURL string) int {
	printStep("Checking " + baseURL)
	if !checkGatewayRunning(baseURL) {
		printError("gateway is not healthy")
		return 1
	}
	printSuccess("gateway is healthy")

	stats, err := fetchStats(baseURL)
	if err != nil {
		printWarn("stats unavailable: " + err.Error())
		return 0
	}
	printInfo(fmt.Sprintf("Uptime: %s, capture enabled: %t", stats.Uptime, stats.CaptureEnabled))
	printInfo(fmt.Sprintf("Requests: %d total, %d captured, %d passthrough, %d rate limited",
		stats.Requests.Total, stats.Requests.Captured, stats.Requests.Passthrough, stats.Requests.RateLimited))
	printInfo(fmt.Sprintf("Classification: %d same, %d fork, %d new",
		stats.Classification.Same, stats.Classification.Fork, stats.Classification.New))
	printInfo(fmt.Sprintf("In flight: %d, rejected: %d", stats.Captures.InFlight, stats.Captures.Rejected))
	if stats.Dispatch.DroppedRecords > 0 {
		printWarn(fmt.Sprintf("Dropped records: %d (fallback writes: %d)",
			stats.Dispatch.DroppedRecords, stats.Dispatch.FallbackWrites))
	}
	printInfo(fmt.Sprintf("Estimated spend: $%.4f", stats.Cost.TotalUSD))
	return 0
}

// Print helper functions for consistent output formatting.
func printSuccess(msg string) {
	fmt.Printf("\033[0;32m[OK]\033[0m %s\n", msg)
}

func printInfo(msg string) {
	fmt.Printf("\033[0;34m[INFO]\033[0m %s\n", msg)
}

func printWarn(msg string) {
	fmt.Printf("\033[1;33m[WARN]\033[0m %s\n", msg)
}

func printError(msg string) {
	fmt.Printf("\033[0;31m[ERROR]\033[0m %s\n", msg)
}

func printStep(msg string) {
	fmt.Printf("\033[0;36m>>>\033[0m %s\n", msg)
}
