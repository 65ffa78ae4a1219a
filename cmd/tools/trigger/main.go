package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type batchSummary struct {
	TotalSources int `json:"totalSources"`
	Successful   int `json:"successful"`
	Failed       int `json:"failed"`
	Results      []struct {
		SourceName string `json:"sourceName"`
		Status     string `json:"status"`
		New        int    `json:"totalNew"`
		Updated    int    `json:"totalUpdated"`
		Errors     int    `json:"totalErrors"`
	} `json:"results"`
}

func main() {
	source := flag.String("source", "", "Ingest only this source (default: all sources)")
	timeout := flag.Duration("timeout", 30*time.Minute, "Overall request timeout")
	flag.Parse()

	adminSecret := strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
	if adminSecret == "" {
		fmt.Println("Missing ADMIN_SECRET environment variable")
		os.Exit(1)
	}

	base := strings.TrimRight(os.Getenv("INGEST_SERVER_URL"), "/")
	if base == "" {
		base = "http://localhost:8081"
	}
	target := base + "/api/v1/ingest/all"
	if *source != "" {
		target = base + "/api/v1/ingest/source/" + url.PathEscape(*source)
	}

	req, err := http.NewRequest(http.MethodPost, target, nil)
	if err != nil {
		fmt.Printf("Error creating request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("X-Admin-Secret", adminSecret)
	req.Header.Set("Authorization", "Bearer "+adminSecret)

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("Error sending request: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("Response Status: %s\n", resp.Status)
	if resp.StatusCode != http.StatusOK {
		fmt.Println(string(body))
		os.Exit(1)
	}

	if *source != "" {
		fmt.Println(string(body))
		return
	}

	var summary batchSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		fmt.Printf("Error decoding summary: %v\n", err)
		os.Exit(1)
	}
	for _, r := range summary.Results {
		fmt.Printf("  %-16s %-8s new=%d updated=%d errors=%d\n", r.SourceName, r.Status, r.New, r.Updated, r.Errors)
	}
	fmt.Printf("%d/%d sources succeeded\n", summary.Successful, summary.TotalSources)
	if summary.Failed > 0 {
		os.Exit(1)
	}
}
