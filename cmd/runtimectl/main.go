// Package main provides runtimectl, the inspection CLI for persisted
// runtime state.
//
// The runtime writes its state as plain files (org.json, NDJSON message
// logs, conversation snapshots); runtimectl reads them back and prints
// JSON reports, so a stopped or crashed runtime can be examined with
// nothing but this binary and jq.
//
// Usage:
//
//	# Validate an envelope state dict
//	cat envelope.json | runtimectl validate
//
//	# Summarize the persisted org graph
//	runtimectl org -dir ./state
//
//	# Replay an agent's message log
//	runtimectl replay -dir ./state -agent root
//
//	# Dump an agent's conversation snapshot
//	runtimectl conversation -dir ./state -agent root -tail 10
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/conversation"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/persist"
)

const (
	cmdValidate     = "validate"
	cmdOrg          = "org"
	cmdReplay       = "replay"
	cmdConversation = "conversation"
	cmdVersion      = "version"
)

// Version information
const (
	Version   = "1.0.0"
	BuildTime = "2026-08-25"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case cmdVersion:
		handleVersion()
	case cmdValidate:
		handleValidate()
	case cmdOrg:
		handleOrg(args)
	case cmdReplay:
		handleReplay(args)
	case cmdConversation:
		handleConversation(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: runtimectl <command> [flags]

Commands:
  validate      Validate an envelope state dict read from stdin
  org           Summarize the persisted role/agent graph
  replay        Replay an agent's message log in observation order
  conversation  Dump an agent's conversation snapshot
  version       Print version information

Flags:
  -dir string    runtime state directory (org/replay/conversation)
  -agent string  agent id (replay/conversation)
  -kind string   keep only envelopes of this kind (replay)
  -tail int      keep only the last N records (conversation)

Input/Output:
  validate reads JSON from stdin; the other commands read the state
  directory. All commands write JSON to stdout and errors to stderr.

Examples:
  cat envelope.json | runtimectl validate
  runtimectl org -dir ./state
  runtimectl replay -dir ./state -agent user -kind error`)
}

// handleVersion prints version information.
func handleVersion() {
	writeJSON(map[string]string{
		"version":    Version,
		"build_time": BuildTime,
	})
}

// =============================================================================
// VALIDATE
// =============================================================================

// handleValidate checks an envelope state dict for the fields the bus
// requires on send. Structural problems are reported in the result, not
// as a process failure.
func handleValidate() {
	input, err := readInput()
	if err != nil {
		writeError("read_error", err.Error())
		os.Exit(1)
	}

	var state map[string]any
	if err := json.Unmarshal(input, &state); err != nil {
		writeJSON(map[string]any{
			"valid":  false,
			"errors": []string{fmt.Sprintf("Invalid JSON: %s", err.Error())},
		})
		return
	}

	errs := []string{}
	if s, ok := state["from_agent_id"].(string); !ok || s == "" {
		errs = append(errs, "from_agent_id is required")
	}
	if s, ok := state["to_agent_id"].(string); !ok || s == "" {
		errs = append(errs, "to_agent_id is required")
	}
	if s, ok := state["kind"].(string); ok && !envelope.Kind(s).IsValid() {
		errs = append(errs, fmt.Sprintf("unknown kind %q", s))
	}
	if s, ok := state["priority"].(string); ok && !envelope.Priority(s).IsValid() {
		errs = append(errs, fmt.Sprintf("unknown priority %q", s))
	}

	env := envelope.FromStateDict(state)
	if env.Kind == envelope.KindError && env.ErrorType() == "" {
		errs = append(errs, "error envelope payload has no error_type")
	}

	writeJSON(map[string]any{
		"valid":       len(errs) == 0,
		"errors":      errs,
		"envelope_id": env.ID,
		"kind":        string(env.Kind),
	})
}

// =============================================================================
// ORG
// =============================================================================

// handleOrg summarizes the persisted role/agent graph.
func handleOrg(args []string) {
	fs := flag.NewFlagSet(cmdOrg, flag.ExitOnError)
	dir := fs.String("dir", "", "runtime state directory")
	_ = fs.Parse(args)

	store := openStore(*dir)
	defer store.Close()

	org, err := store.LoadOrg()
	if err != nil {
		writeError("load_error", err.Error())
		os.Exit(1)
	}
	if org == nil {
		writeError("not_found", fmt.Sprintf("no org state under %s", *dir))
		os.Exit(1)
	}

	roles := make([]map[string]any, 0, len(org.Roles))
	for _, role := range org.Roles {
		roles = append(roles, map[string]any{
			"id":           role.ID,
			"name":         role.Name,
			"active":       role.Active,
			"created_by":   role.CreatedBy,
			"capabilities": role.Capabilities,
		})
	}

	byStatus := map[string]int{}
	agents := make([]map[string]any, 0, len(org.Agents))
	for _, agent := range org.Agents {
		byStatus[string(agent.Status)]++
		agents = append(agents, map[string]any{
			"agent_id":        agent.ID,
			"role_name":       agent.RoleName,
			"display_name":    agent.DisplayName(),
			"parent_agent_id": agent.ParentAgentID,
			"status":          string(agent.Status),
			"compute_status":  string(agent.ComputeStatus),
		})
	}

	writeJSON(map[string]any{
		"saved_at":         org.SavedAt,
		"role_count":       len(org.Roles),
		"agent_count":      len(org.Agents),
		"agents_by_status": byStatus,
		"roles":            roles,
		"agents":           agents,
	})
}

// =============================================================================
// REPLAY
// =============================================================================

// handleReplay prints an agent's message log in observation order.
func handleReplay(args []string) {
	fs := flag.NewFlagSet(cmdReplay, flag.ExitOnError)
	dir := fs.String("dir", "", "runtime state directory")
	agentID := fs.String("agent", "", "agent id")
	kind := fs.String("kind", "", "keep only envelopes of this kind")
	_ = fs.Parse(args)

	if *agentID == "" {
		writeError("usage_error", "replay requires -agent")
		os.Exit(1)
	}

	store := openStore(*dir)
	defer store.Close()

	envs, err := store.LoadMessageLog(*agentID)
	if err != nil {
		writeError("load_error", err.Error())
		os.Exit(1)
	}

	messages := make([]map[string]any, 0, len(envs))
	for _, env := range envs {
		if *kind != "" && string(env.Kind) != *kind {
			continue
		}
		messages = append(messages, env.ToStateDict())
	}

	writeJSON(map[string]any{
		"agent_id": *agentID,
		"count":    len(messages),
		"messages": messages,
	})
}

// =============================================================================
// CONVERSATION
// =============================================================================

// handleConversation dumps an agent's conversation snapshot with token
// totals.
func handleConversation(args []string) {
	fs := flag.NewFlagSet(cmdConversation, flag.ExitOnError)
	dir := fs.String("dir", "", "runtime state directory")
	agentID := fs.String("agent", "", "agent id")
	tail := fs.Int("tail", 0, "keep only the last N records (0 keeps all)")
	_ = fs.Parse(args)

	if *agentID == "" {
		writeError("usage_error", "conversation requires -agent")
		os.Exit(1)
	}

	store := openStore(*dir)
	defer store.Close()

	records, err := store.LoadConversation(*agentID)
	if err != nil {
		writeError("load_error", err.Error())
		os.Exit(1)
	}
	if records == nil {
		writeError("not_found", fmt.Sprintf("no conversation snapshot for %s", *agentID))
		os.Exit(1)
	}

	tokenTotal := 0
	compressed := 0
	for _, rec := range records {
		tokenTotal += rec.TokenCount
		if rec.IsCompressed {
			compressed++
		}
	}

	shown := records
	if *tail > 0 && *tail < len(records) {
		shown = records[len(records)-*tail:]
	}

	writeJSON(map[string]any{
		"agent_id":           *agentID,
		"length":             len(records),
		"token_total":        tokenTotal,
		"compressed_records": compressed,
		"records":            recordDicts(shown),
	})
}

func recordDicts(records []*conversation.Record) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		d := map[string]any{
			"role":        string(rec.Role),
			"content":     rec.Content,
			"token_count": rec.TokenCount,
			"created_at":  rec.CreatedAt,
		}
		if rec.IsCompressed {
			d["is_compressed"] = true
		}
		if rec.ToolCallID != "" {
			d["tool_call_id"] = rec.ToolCallID
		}
		if len(rec.ToolCalls) > 0 {
			d["tool_calls"] = rec.ToolCalls
		}
		out = append(out, d)
	}
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

// openStore opens the state directory read-only-in-spirit: the directory
// must already exist, and nothing is written through the returned store.
func openStore(dir string) *persist.FileStore {
	if dir == "" {
		writeError("usage_error", "command requires -dir")
		os.Exit(1)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		writeError("not_found", fmt.Sprintf("no runtime directory at %s", dir))
		os.Exit(1)
	}
	store, err := persist.NewFileStore(dir, nil)
	if err != nil {
		writeError("open_error", err.Error())
		os.Exit(1)
	}
	return store
}

// readInput reads all input from stdin.
func readInput() ([]byte, error) {
	reader := bufio.NewReader(os.Stdin)
	return io.ReadAll(reader)
}

// writeJSON writes a JSON object to stdout.
func writeJSON(v any) {
	encoder := json.NewEncoder(os.Stdout)
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %s\n", err.Error())
		os.Exit(1)
	}
}

// writeError writes an error response to stdout.
func writeError(code, message string) {
	writeJSON(map[string]any{
		"error":   true,
		"code":    code,
		"message": message,
	})
}
