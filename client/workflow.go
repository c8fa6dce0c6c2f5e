package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StepResult is the latency of one API call in a custody workflow.
type StepResult struct {
	Name        string
	Method      string
	Endpoint    string
	Status      int
	Latency     time.Duration
	BlockHeight int64
}

type sessionResponse struct {
	Account  string   `json:"account"`
	Accounts []string `json:"accounts"`
}

type recordResponse struct {
	AssetID uint64 `json:"asset_id"`
	Status  string `json:"status"`
	Failure string `json:"failure"`
	Receipt *struct {
		Height int64 `json:"height"`
	} `json:"receipt"`
}

// Workflow walks one product through its whole custody chain: create,
// mark for sale, ship to a second account, receive and sell.
type Workflow struct {
	client    *HTTPClient
	sender    string
	recipient string
}

// Connect opens a session on the server and picks the first two wallet
// accounts as sender and recipient.
func Connect(ctx context.Context, c *HTTPClient) (*Workflow, error) {
	resp, err := c.POST(ctx, "/session/connect", nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("connect: status %d: %s", resp.StatusCode, resp.Body)
	}
	var sess sessionResponse
	if err := UnmarshalBody(resp, &sess); err != nil {
		return nil, err
	}
	if len(sess.Accounts) < 2 {
		return nil, fmt.Errorf("connect: wallet authorized %d accounts, need 2", len(sess.Accounts))
	}
	return &Workflow{client: c, sender: sess.Accounts[0], recipient: sess.Accounts[1]}, nil
}

// Run executes the workflow once. It stops at the first call that does not
// succeed and returns the steps completed so far with the error.
func (w *Workflow) Run(ctx context.Context, label string) ([]StepResult, error) {
	var results []StepResult
	totalStart := time.Now()

	step := func(name, method, endpoint, pattern string, body any) (*recordResponse, error) {
		start := time.Now()
		resp, err := w.client.Call(ctx, method, endpoint, body)
		elapsed := time.Since(start)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		result := StepResult{Name: name, Method: method, Endpoint: pattern, Status: resp.StatusCode, Latency: elapsed}
		if !resp.OK() {
			results = append(results, result)
			return nil, fmt.Errorf("%s: status %d: %s", name, resp.StatusCode, resp.Body)
		}
		var rec recordResponse
		if err := json.Unmarshal(resp.Body, &rec); err == nil && rec.Receipt != nil {
			result.BlockHeight = rec.Receipt.Height
		}
		results = append(results, result)
		return &rec, nil
	}

	if _, err := step("Use Sender", "POST", "/session/account", "/session/account", map[string]string{"account": w.sender}); err != nil {
		return results, err
	}
	created, err := step("Create Product", "POST", "/products", "/products", map[string]string{"name": label})
	if err != nil {
		return results, err
	}
	product := fmt.Sprintf("/products/%d", created.AssetID)

	if _, err := step("Mark For Sale", "POST", product+"/mark-for-sale", "/products/:id/mark-for-sale", nil); err != nil {
		return results, err
	}
	if _, err := step("Ship", "POST", product+"/ship", "/products/:id/ship", map[string]string{"recipient": w.recipient}); err != nil {
		return results, err
	}
	if _, err := step("Use Recipient", "POST", "/session/account", "/session/account", map[string]string{"account": w.recipient}); err != nil {
		return results, err
	}
	if _, err := step("Receive", "POST", product+"/receive", "/products/:id/receive", nil); err != nil {
		return results, err
	}
	if _, err := step("Sell", "POST", product+"/sell", "/products/:id/sell", nil); err != nil {
		return results, err
	}

	results = append(results, StepResult{
		Name:     "Complete Workflow",
		Method:   "WORKFLOW",
		Endpoint: "complete-workflow",
		Latency:  time.Since(totalStart),
	})
	return results, nil
}
