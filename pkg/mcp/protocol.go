// Package mcp implements the JSON-RPC 2.0 stdio transport AIxTerm uses to
// talk to external tool-server processes, and the supervisor that manages
// their lifecycle, catalogs, and progress-notification routing.
package mcp

import "encoding/json"

const (
	protocolVersion = "2024-11-05"
	clientName      = "aixterm-mcp-client"
	clientVersion   = "1.0.0"

	methodInitialize            = "initialize"
	methodInitialized           = "notifications/initialized"
	methodToolsList             = "tools/list"
	methodToolsCall             = "tools/call"
	methodNotificationsProgress = "notifications/progress"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcEnvelope decodes any incoming line: a response carries ID and either
// Result or Error; a notification carries Method and no ID.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return e.Message
}

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      clientInfo             `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func defaultInitializeParams() initializeParams {
	return initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities: map[string]interface{}{
			"roots":     map[string]interface{}{"listChanged": true},
			"sampling":  map[string]interface{}{},
			"progress":  true,
		},
		ClientInfo: clientInfo{Name: clientName, Version: clientVersion},
	}
}

// ToolDescriptor describes one tool exposed by a server's catalog.
type ToolDescriptor struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type toolsListResult struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	} `json:"tools"`
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ProgressEvent is one notifications/progress payload delivered to a
// subscriber.
type ProgressEvent struct {
	ProgressToken string  `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
	Message       string  `json:"message,omitempty"`
}
