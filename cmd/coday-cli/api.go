// ABOUTME: JSON API calls for the terminal client: threads, thread selection, usage
// ABOUTME: Shares response types with the gateway package

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fatih/color"

	"github.com/biznet-io/coday/internal/gateway"
	"github.com/biznet-io/coday/internal/thread"
)

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp map[string]string
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp["error"] != "" {
			return errors.New(errResp["error"])
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func (c *client) listThreads(ctx context.Context) error {
	var list gateway.ThreadListResponse
	if err := c.do(ctx, http.MethodGet, "/api/threads?clientId="+url.QueryEscape(c.clientID), nil, &list); err != nil {
		return err
	}
	if len(list.Threads) == 0 {
		fmt.Fprintln(c.out, "No saved threads")
		return nil
	}

	fmt.Fprintln(c.out, "Threads:")
	for _, th := range list.Threads {
		marker := "  "
		if th.ID == list.Active {
			marker = color.GreenString("* ")
		}
		fmt.Fprintf(c.out, "%s%s  %s  %s\n", marker, th.ID, th.ModifiedAt.Local().Format("Jan 02 15:04"), truncate(th.Summary, 60))
	}
	return nil
}

func (c *client) selectThread(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("usage: /select <thread id>")
	}
	var summary thread.Summary
	req := gateway.SelectThreadRequest{ClientID: c.clientID, ThreadID: id}
	if err := c.do(ctx, http.MethodPost, "/api/threads/select", req, &summary); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Now on thread %s (%s)\n", summary.ID, strings.TrimSpace(summary.Name))
	return nil
}

func (c *client) showUsage(ctx context.Context) error {
	var u gateway.UsageResponse
	if err := c.do(ctx, http.MethodGet, "/api/usage", nil, &u); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: %d requests, %d in / %d out tokens (%d cached), $%.4f\n",
		u.Username, u.Requests, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.Cost)
	return nil
}
