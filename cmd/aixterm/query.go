package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/aixterm/aixterm/pkg/runtimepaths"
	"github.com/aixterm/aixterm/pkg/spawnclient"
)

type queryRequest struct {
	Type     string   `json:"type"`
	Query    string   `json:"query"`
	Files    []string `json:"files,omitempty"`
	Planning bool     `json:"planning,omitempty"`
	Stream   bool     `json:"stream,omitempty"`
}

type queryResult struct {
	Content string `json:"content"`
}

type partialFrame struct {
	Status string      `json:"status"`
	Result queryResult `json:"result"`
}

// runQuery converts CLI flags into a query envelope, auto-spawning the
// service if no socket is found, and prints the response (streaming partial
// frames as they arrive when stream is true).
func runQuery(ctx context.Context, query string, files []string, planning, stream bool) error {
	if query == "" {
		return fmt.Errorf("no query given (pass text as arguments, or a subcommand: status, service, config)")
	}

	paths, err := runtimepaths.Resolve()
	if err != nil {
		return fmt.Errorf("resolve runtime paths: %w", err)
	}

	opts := spawnclient.Options{
		SocketPath: paths.SocketPath,
		LockPath:   paths.LockPath,
	}

	conn, err := spawnclient.Connect(opts)
	if err != nil {
		return fmt.Errorf("connect to aixterm service: %w", err)
	}
	defer conn.Close()

	req := queryRequest{Type: "query", Query: query, Files: files, Planning: planning, Stream: stream}
	if !stream {
		env := spawnclient.Send(conn, req)
		return printEnvelope(env)
	}

	return streamQuery(conn, req)
}

// streamQuery frames req itself (rather than spawnclient.Send, which
// expects exactly one response line) so it can print each partial frame as
// it arrives instead of waiting for the final line.
func streamQuery(conn net.Conn, req queryRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write query: %w", err)
	}

	dec := json.NewDecoder(conn)
	for {
		var frame partialFrame
		if err := dec.Decode(&frame); err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		switch frame.Status {
		case "partial":
			fmt.Print(frame.Result.Content)
		case "success":
			// The success frame carries the full accumulated response, already
			// printed piecewise via the partial frames above; only the
			// trailing newline is still needed.
			fmt.Println()
			return nil
		case "error":
			return fmt.Errorf("service: partial frame reported an error")
		default:
			return fmt.Errorf("unexpected response status %q", frame.Status)
		}
	}
}

func printEnvelope(env spawnclient.Envelope) error {
	if env.Status == "error" {
		if env.Error != nil {
			return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("service returned an error")
	}

	var result queryResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Println(result.Content)
	return nil
}
