// smoke-webhook probes a running API the way the signature provider's
// webhook-URL validation does: a GET health check, a validation ping and an
// enrollment notification, all of which must come back 200.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("FIRMALEX_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	endpoint := base + "/v1/webhooks/signing"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := &http.Client{}

	// 1. GET health check.
	body := getJSON(ctx, client, endpoint)
	if body["status"] != "ok" {
		log.Fatalf("health check body: %v", body)
	}

	// 2. Empty validation ping.
	body = postJSON(ctx, client, endpoint, map[string]any{})
	if body["success"] != true || body["action"] != "validation_ping" {
		log.Fatalf("validation ping body: %v", body)
	}

	// 3. Enrollment notification for a RUT nobody has (still 200).
	body = postJSON(ctx, client, endpoint, map[string]any{
		"rut":   "99999999-9",
		"fecha": time.Now().Format("2006-01-02"),
	})
	if body["success"] != true {
		log.Fatalf("enrollment body: %v", body)
	}

	fmt.Printf("✅ webhook smoke test passed against %s\n", endpoint)
}

func getJSON(ctx context.Context, client *http.Client, url string) map[string]any {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	return do(client, req)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload map[string]any) map[string]any {
	raw, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(client, req)
}

func do(client *http.Client, req *http.Request) map[string]any {
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("%s %s: status %d", req.Method, req.URL, resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Fatalf("decode response: %v", err)
	}
	return body
}
