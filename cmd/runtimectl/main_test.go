// Package main provides integration tests for the runtimectl CLI.
//
// Tests build the binary once, write fixture state through the persist
// package, and check the JSON reports the subprocess prints.
package main

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/conversation"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/kernel"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/persist"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var binaryPath string

func TestMain(m *testing.M) {
	var err error
	binaryPath, err = buildCLI()
	if err != nil {
		panic("Failed to build CLI for testing: " + err.Error())
	}

	code := m.Run()

	if binaryPath != "" {
		os.Remove(binaryPath)
	}
	os.Exit(code)
}

func buildCLI() (string, error) {
	binName := "runtimectl-test"
	if runtime.GOOS == "windows" {
		binName += ".exe"
	}
	binPath := filepath.Join(os.TempDir(), binName)

	cmd := exec.Command("go", "build", "-o", binPath, ".")
	cmd.Dir = "."
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", &exec.ExitError{Stderr: output}
	}
	return binPath, nil
}

// runCLI executes the CLI with the given arguments and stdin.
func runCLI(t *testing.T, input string, args ...string) (string, string, int) {
	t.Helper()

	cmd := exec.Command(binaryPath, args...)
	cmd.Stdin = strings.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		t.Fatalf("Failed to run CLI: %v", err)
	}

	return stdout.String(), stderr.String(), exitCode
}

func parseJSON(t *testing.T, output string) map[string]any {
	t.Helper()

	var result map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &result); err != nil {
		t.Fatalf("Failed to parse JSON output: %v\nOutput: %s", err, output)
	}
	return result
}

// seedStateDir writes a small org graph, a message log, and a conversation
// snapshot the way the runtime does.
func seedStateDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	store, err := persist.NewFileStore(dir, nil)
	require.NoError(t, err)

	role := kernel.NewRole("researcher", "You research things.", envelope.AgentRoot, []string{"web"})
	worker := kernel.NewAgent(role, envelope.AgentRoot, nil)
	root := kernel.NewSentinelAgent(envelope.AgentRoot, "You are the root agent.")
	store.SaveOrg(&persist.OrgState{
		Roles:  []*kernel.Role{role},
		Agents: []*kernel.Agent{root, worker},
	})

	store.OnEnvelope(envelope.NewText(envelope.AgentUser, envelope.AgentRoot, "first task"))
	store.OnEnvelope(envelope.NewText(worker.ID, envelope.AgentRoot, "interim result"))
	store.OnEnvelope(envelope.NewError(worker.ID, envelope.AgentRoot, "tool_execution_failed", "lookup blew up"))

	records := []*conversation.Record{
		conversation.NewSystemRecord("You are the root agent."),
		conversation.NewUserRecord("first task"),
		conversation.NewAssistantRecord("on it"),
	}
	store.SnapshotConversation(envelope.AgentRoot, records)

	store.Flush()
	require.NoError(t, store.Close())
	return dir
}

// =============================================================================
// VERSION COMMAND TESTS
// =============================================================================

func TestCLI_Version(t *testing.T) {
	stdout, _, exitCode := runCLI(t, "", "version")

	assert.Equal(t, 0, exitCode)

	result := parseJSON(t, stdout)
	assert.Equal(t, "1.0.0", result["version"])
	assert.NotEmpty(t, result["build_time"])
}

// =============================================================================
// VALIDATE COMMAND TESTS
// =============================================================================

func TestCLI_ValidateValidEnvelope(t *testing.T) {
	env := envelope.NewText(envelope.AgentUser, envelope.AgentRoot, "hello")
	input, err := json.Marshal(env.ToStateDict())
	require.NoError(t, err)

	stdout, _, exitCode := runCLI(t, string(input), "validate")

	require.Equal(t, 0, exitCode)

	result := parseJSON(t, stdout)
	assert.True(t, result["valid"].(bool))
	errors, _ := result["errors"].([]any)
	assert.Empty(t, errors)
	assert.Equal(t, env.ID, result["envelope_id"])
	assert.Equal(t, "text", result["kind"])
}

func TestCLI_ValidateInvalidJSON(t *testing.T) {
	stdout, _, exitCode := runCLI(t, `{broken json`, "validate")

	require.Equal(t, 0, exitCode) // validate reports, it does not fail

	result := parseJSON(t, stdout)
	assert.False(t, result["valid"].(bool))
	errors, _ := result["errors"].([]any)
	assert.NotEmpty(t, errors)
}

func TestCLI_ValidateMissingAddressing(t *testing.T) {
	stdout, _, exitCode := runCLI(t, `{"kind":"text","payload":{"text":"hi"}}`, "validate")

	require.Equal(t, 0, exitCode)

	result := parseJSON(t, stdout)
	assert.False(t, result["valid"].(bool))
	errors, _ := result["errors"].([]any)
	require.Len(t, errors, 2)
	assert.Contains(t, errors[0], "from_agent_id")
	assert.Contains(t, errors[1], "to_agent_id")
}

func TestCLI_ValidateUnknownKind(t *testing.T) {
	input := `{"from_agent_id":"user","to_agent_id":"root","kind":"telegram"}`

	stdout, _, exitCode := runCLI(t, input, "validate")

	require.Equal(t, 0, exitCode)

	result := parseJSON(t, stdout)
	assert.False(t, result["valid"].(bool))
	errors, _ := result["errors"].([]any)
	require.Len(t, errors, 1)
	assert.Contains(t, errors[0], "telegram")
}

func TestCLI_ValidateErrorEnvelopeWithoutType(t *testing.T) {
	input := `{"from_agent_id":"root","to_agent_id":"user","kind":"error","payload":{"message":"boom"}}`

	stdout, _, exitCode := runCLI(t, input, "validate")

	require.Equal(t, 0, exitCode)

	result := parseJSON(t, stdout)
	assert.False(t, result["valid"].(bool))
	errors, _ := result["errors"].([]any)
	require.Len(t, errors, 1)
	assert.Contains(t, errors[0], "error_type")
}

// =============================================================================
// ORG COMMAND TESTS
// =============================================================================

func TestCLI_OrgSummary(t *testing.T) {
	dir := seedStateDir(t)

	stdout, _, exitCode := runCLI(t, "", "org", "-dir", dir)

	require.Equal(t, 0, exitCode)

	result := parseJSON(t, stdout)
	assert.Equal(t, float64(1), result["role_count"])
	assert.Equal(t, float64(2), result["agent_count"])
	assert.NotEmpty(t, result["saved_at"])

	byStatus, ok := result["agents_by_status"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), byStatus["active"])

	agents, ok := result["agents"].([]any)
	require.True(t, ok)
	require.Len(t, agents, 2)
	first := agents[0].(map[string]any)
	assert.Equal(t, envelope.AgentRoot, first["agent_id"])
	assert.Equal(t, "root", first["role_name"])
}

func TestCLI_OrgMissingDir(t *testing.T) {
	stdout, _, exitCode := runCLI(t, "", "org", "-dir", filepath.Join(t.TempDir(), "absent"))

	assert.Equal(t, 1, exitCode)

	result := parseJSON(t, stdout)
	assert.True(t, result["error"].(bool))
	assert.Equal(t, "not_found", result["code"])
}

func TestCLI_OrgEmptyDir(t *testing.T) {
	stdout, _, exitCode := runCLI(t, "", "org", "-dir", t.TempDir())

	assert.Equal(t, 1, exitCode)

	result := parseJSON(t, stdout)
	assert.Equal(t, "not_found", result["code"])
}

// =============================================================================
// REPLAY COMMAND TESTS
// =============================================================================

func TestCLI_ReplayMessageLog(t *testing.T) {
	dir := seedStateDir(t)

	stdout, _, exitCode := runCLI(t, "", "replay", "-dir", dir, "-agent", envelope.AgentRoot)

	require.Equal(t, 0, exitCode)

	result := parseJSON(t, stdout)
	assert.Equal(t, envelope.AgentRoot, result["agent_id"])
	assert.Equal(t, float64(3), result["count"])

	messages, ok := result["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 3)

	first := messages[0].(map[string]any)
	assert.Equal(t, "user", first["from_agent_id"])
	assert.Equal(t, "text", first["kind"])

	last := messages[2].(map[string]any)
	assert.Equal(t, "error", last["kind"])
}

func TestCLI_ReplayKindFilter(t *testing.T) {
	dir := seedStateDir(t)

	stdout, _, exitCode := runCLI(t, "", "replay", "-dir", dir, "-agent", envelope.AgentRoot, "-kind", "error")

	require.Equal(t, 0, exitCode)

	result := parseJSON(t, stdout)
	assert.Equal(t, float64(1), result["count"])

	messages := result["messages"].([]any)
	payload := messages[0].(map[string]any)["payload"].(map[string]any)
	assert.Equal(t, "tool_execution_failed", payload["error_type"])
}

func TestCLI_ReplayUnknownAgent(t *testing.T) {
	dir := seedStateDir(t)

	stdout, _, exitCode := runCLI(t, "", "replay", "-dir", dir, "-agent", "agt_nobody")

	require.Equal(t, 0, exitCode)

	result := parseJSON(t, stdout)
	assert.Equal(t, float64(0), result["count"])
}

func TestCLI_ReplayRequiresAgent(t *testing.T) {
	dir := seedStateDir(t)

	stdout, _, exitCode := runCLI(t, "", "replay", "-dir", dir)

	assert.Equal(t, 1, exitCode)

	result := parseJSON(t, stdout)
	assert.Equal(t, "usage_error", result["code"])
}

// =============================================================================
// CONVERSATION COMMAND TESTS
// =============================================================================

func TestCLI_ConversationSnapshot(t *testing.T) {
	dir := seedStateDir(t)

	stdout, _, exitCode := runCLI(t, "", "conversation", "-dir", dir, "-agent", envelope.AgentRoot)

	require.Equal(t, 0, exitCode)

	result := parseJSON(t, stdout)
	assert.Equal(t, envelope.AgentRoot, result["agent_id"])
	assert.Equal(t, float64(3), result["length"])
	assert.Greater(t, result["token_total"].(float64), float64(0))
	assert.Equal(t, float64(0), result["compressed_records"])

	records, ok := result["records"].([]any)
	require.True(t, ok)
	require.Len(t, records, 3)
	assert.Equal(t, "system", records[0].(map[string]any)["role"])
	assert.Equal(t, "on it", records[2].(map[string]any)["content"])
}

func TestCLI_ConversationTail(t *testing.T) {
	dir := seedStateDir(t)

	stdout, _, exitCode := runCLI(t, "", "conversation", "-dir", dir, "-agent", envelope.AgentRoot, "-tail", "1")

	require.Equal(t, 0, exitCode)

	result := parseJSON(t, stdout)
	assert.Equal(t, float64(3), result["length"]) // length reports the full snapshot

	records := result["records"].([]any)
	require.Len(t, records, 1)
	assert.Equal(t, "assistant", records[0].(map[string]any)["role"])
}

func TestCLI_ConversationNotFound(t *testing.T) {
	dir := seedStateDir(t)

	stdout, _, exitCode := runCLI(t, "", "conversation", "-dir", dir, "-agent", "agt_nobody")

	assert.Equal(t, 1, exitCode)

	result := parseJSON(t, stdout)
	assert.Equal(t, "not_found", result["code"])
}

// =============================================================================
// ERROR HANDLING TESTS
// =============================================================================

func TestCLI_UnknownCommand(t *testing.T) {
	cmd := exec.Command(binaryPath, "unknown_command")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	require.Error(t, err)

	exitErr, ok := err.(*exec.ExitError)
	require.True(t, ok)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, stderr.String(), "Unknown command")
}

func TestCLI_NoCommand(t *testing.T) {
	cmd := exec.Command(binaryPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	require.Error(t, err)

	exitErr, ok := err.(*exec.ExitError)
	require.True(t, ok)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, stderr.String(), "Usage")
}
