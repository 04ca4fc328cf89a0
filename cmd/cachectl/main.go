// cmd/cachectl/main.go
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"
)

func main() {
	if err := runCLI(os.Args[1:]); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func runCLI(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	c := newClient()
	switch args[0] {
	case "help", "--help", "-h":
		printUsage()
		return nil
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: cachectl get <key>")
		}
		return c.get(args[1])
	case "put":
		if len(args) != 3 {
			return fmt.Errorf("usage: cachectl put <key> <value|->")
		}
		return c.put(args[1], args[2])
	case "del":
		if len(args) != 2 {
			return fmt.Errorf("usage: cachectl del <key>")
		}
		return c.del(args[1])
	case "keys":
		return c.keys()
	case "sweep":
		return c.sweep()
	case "warm":
		keys := args[1:]
		replace := false
		if len(keys) > 0 && keys[0] == "--replace" {
			replace = true
			keys = keys[1:]
		}
		if len(keys) == 0 {
			return fmt.Errorf("usage: cachectl warm [--replace] <key>...")
		}
		return c.warm(keys, replace)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage() {
	fmt.Println("Usage: cachectl <command> [args]")
	fmt.Println("Commands:")
	fmt.Println("  get <key>                 Print the cached value")
	fmt.Println("  put <key> <value|->       Store a value (- reads stdin)")
	fmt.Println("  del <key>                 Remove a key")
	fmt.Println("  keys                      List live keys")
	fmt.Println("  sweep                     Enqueue an eviction sweep")
	fmt.Println("  warm [--replace] <key>... Enqueue a bulk load from the system of record")
	fmt.Println("Environment:")
	fmt.Println("  CACHED_URL                Server base URL (default http://localhost:8080)")
	fmt.Println("  CACHED_TOKEN              Bearer token for mutating commands")
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() *client {
	baseURL := os.Getenv("CACHED_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &client{
		baseURL: baseURL,
		token:   os.Getenv("CACHED_TOKEN"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

// fail drains the response body into the error so server messages surface.
func fail(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(msg))
}

func (c *client) get(key string) error {
	resp, err := c.do(http.MethodGet, "/keys/"+url.PathEscape(key), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("key %q not found", key)
	}
	if resp.StatusCode != http.StatusOK {
		return fail(resp)
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func (c *client) put(key, value string) error {
	data := []byte(value)
	if value == "-" {
		var err error
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
	}
	resp, err := c.do(http.MethodPut, "/keys/"+url.PathEscape(key), bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fail(resp)
	}
	return nil
}

func (c *client) del(key string) error {
	resp, err := c.do(http.MethodDelete, "/keys/"+url.PathEscape(key), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fail(resp)
	}
	var out struct {
		Removed bool `json:"removed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if out.Removed {
		fmt.Println("removed")
	} else {
		fmt.Println("not found")
	}
	return nil
}

func (c *client) keys() error {
	resp, err := c.do(http.MethodGet, "/keys", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fail(resp)
	}
	var entries []struct {
		Key    string `json:"key"`
		Value  []byte `json:"value"`
		Expiry int64  `json:"expiry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return err
	}
	for _, e := range entries {
		expiry := "never"
		if e.Expiry >= 0 {
			expiry = time.UnixMilli(e.Expiry).Format(time.RFC3339)
		}
		fmt.Printf("%s\t%d bytes\texpires %s\n", e.Key, len(e.Value), expiry)
	}
	return nil
}

func (c *client) sweep() error {
	resp, err := c.do(http.MethodPost, "/sweep", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fail(resp)
	}
	return printTask(resp.Body)
}

func (c *client) warm(keys []string, replace bool) error {
	payload, err := json.Marshal(map[string]any{"keys": keys, "replace": replace})
	if err != nil {
		return err
	}
	resp, err := c.do(http.MethodPost, "/load", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fail(resp)
	}
	return printTask(resp.Body)
}

func printTask(body io.Reader) error {
	var out struct {
		TaskID string `json:"task_id"`
		Queue  string `json:"queue"`
	}
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return err
	}
	fmt.Printf("enqueued task %s on queue %s\n", out.TaskID, out.Queue)
	return nil
}
