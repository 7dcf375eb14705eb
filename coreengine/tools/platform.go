package tools

import (
	"context"
	"fmt"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/agents"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/kernel"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/typeutil"
)

// PlatformGroup is the group name of the built-in lifecycle tools.
const PlatformGroup = "platform"

// Lifecycle is the slice of the kernel the platform tools drive.
type Lifecycle interface {
	SpawnAgent(roleRef, parentAgentID string, opts *kernel.SpawnOptions) (*kernel.Agent, error)
	ForceTerminateAgent(agentID, note string) (*kernel.TerminationReceipt, error)
	GetSystemPromptAppendix(agentID string) (string, error)
	SetSystemPromptAppendix(agentID, appendix string) error
}

// Sender delivers envelopes to agent inboxes.
type Sender interface {
	Send(env *envelope.Envelope) error
}

// RegisterPlatformTools adds the built-in lifecycle tool group to the
// registry. These tools execute inline within the calling agent's turn and
// mutate the agent population through the lifecycle API.
func RegisterPlatformTools(r *Registry, lifecycle Lifecycle, sender Sender) error {
	return r.RegisterGroup(PlatformGroup, PlatformTools(lifecycle, sender))
}

// PlatformTools builds the six built-in tool definitions.
func PlatformTools(lifecycle Lifecycle, sender Sender) []*Definition {
	return []*Definition{
		spawnAgentTool(lifecycle),
		spawnAgentWithTaskTool(lifecycle, sender),
		terminateAgentTool(lifecycle),
		sendMessageTool(sender),
		getAppendixTool(lifecycle),
		setAppendixTool(lifecycle),
	}
}

// =============================================================================
// Spawn
// =============================================================================

func spawnAgentTool(lifecycle Lifecycle) *Definition {
	return &Definition{
		Name:        "spawn_agent",
		Description: "Create a subordinate agent from a role. The new agent reports to you and starts idle, awaiting messages.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"role": map[string]any{
					"type":        "string",
					"description": "Role name or role id to instantiate.",
				},
				"custom_name": map[string]any{
					"type":        "string",
					"description": "Optional display name for the new agent.",
				},
				"system_prompt_appendix": map[string]any{
					"type":        "string",
					"description": "Optional extra instructions appended to the role prompt.",
				},
				"prompt_override": map[string]any{
					"type":        "string",
					"description": "Optional full replacement for the role prompt.",
				},
			},
			"required":             []string{"role"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any, tctx *agents.ToolContext) (*agents.StandardToolResult, error) {
			agent, result := spawnFromArgs(lifecycle, args, tctx)
			if result != nil {
				return result, nil
			}
			return agents.NewStandardToolResultSuccess(map[string]any{
				"agent_id":     agent.ID,
				"role_name":    agent.RoleName,
				"display_name": agent.DisplayName(),
			}, nil), nil
		},
	}
}

func spawnAgentWithTaskTool(lifecycle Lifecycle, sender Sender) *Definition {
	return &Definition{
		Name:        "spawn_agent_with_task",
		Description: "Create a subordinate agent from a role and immediately send it a task message under a fresh task id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"role": map[string]any{
					"type":        "string",
					"description": "Role name or role id to instantiate.",
				},
				"task": map[string]any{
					"type":        "string",
					"description": "The task message delivered to the new agent.",
				},
				"custom_name": map[string]any{
					"type":        "string",
					"description": "Optional display name for the new agent.",
				},
				"system_prompt_appendix": map[string]any{
					"type":        "string",
					"description": "Optional extra instructions appended to the role prompt.",
				},
				"priority": map[string]any{
					"type":        "string",
					"enum":        []string{"normal", "high"},
					"description": "Delivery priority of the task message.",
				},
			},
			"required":             []string{"role", "task"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any, tctx *agents.ToolContext) (*agents.StandardToolResult, error) {
			agent, result := spawnFromArgs(lifecycle, args, tctx)
			if result != nil {
				return result, nil
			}

			task, _ := typeutil.SafeString(args["task"])
			taskID := envelope.NewTaskID()
			opts := []envelope.Option{envelope.WithTaskID(taskID)}
			if p, ok := typeutil.SafeString(args["priority"]); ok && p != "" {
				opts = append(opts, envelope.WithPriority(envelope.Priority(p)))
			}

			env := envelope.NewText(callerID(tctx), agent.ID, task, opts...)
			if err := sender.Send(env); err != nil {
				// The agent exists; only the kickoff failed.
				return agents.NewStandardToolResultFailure(agents.NewToolErrorDetails(
					"delivery_rejected",
					fmt.Sprintf("agent %s spawned but task delivery failed: %v", agent.ID, err),
					true,
				), nil), nil
			}

			return agents.NewStandardToolResultSuccess(map[string]any{
				"agent_id":     agent.ID,
				"role_name":    agent.RoleName,
				"display_name": agent.DisplayName(),
				"task_id":      taskID,
				"message_id":   env.ID,
			}, nil), nil
		},
	}
}

// spawnFromArgs runs the shared spawn path. Returns the agent, or a failure
// result when the lifecycle rejected the spawn.
func spawnFromArgs(lifecycle Lifecycle, args map[string]any, tctx *agents.ToolContext) (*kernel.Agent, *agents.StandardToolResult) {
	role, _ := typeutil.SafeString(args["role"])

	var opts kernel.SpawnOptions
	if v, ok := typeutil.SafeString(args["custom_name"]); ok {
		opts.CustomName = v
	}
	if v, ok := typeutil.SafeString(args["system_prompt_appendix"]); ok {
		opts.SystemPromptAppendix = v
	}
	if v, ok := typeutil.SafeString(args["prompt_override"]); ok {
		opts.PromptOverride = v
	}

	agent, err := lifecycle.SpawnAgent(role, callerID(tctx), &opts)
	if err != nil {
		return nil, agents.NewStandardToolResultFailure(lifecycleErrorDetails(err), nil)
	}
	return agent, nil
}

// =============================================================================
// Terminate
// =============================================================================

func terminateAgentTool(lifecycle Lifecycle) *Definition {
	return &Definition{
		Name:        "terminate_agent",
		Description: "Permanently terminate an agent and its whole subtree. Inboxes and conversations are destroyed; this cannot be undone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_id": map[string]any{
					"type":        "string",
					"description": "Id of the agent to terminate.",
				},
				"note": map[string]any{
					"type":        "string",
					"description": "Optional reason recorded on the tombstone.",
				},
			},
			"required":             []string{"agent_id"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any, tctx *agents.ToolContext) (*agents.StandardToolResult, error) {
			agentID, _ := typeutil.SafeString(args["agent_id"])
			note := typeutil.SafeStringDefault(args["note"], "")

			receipt, err := lifecycle.ForceTerminateAgent(agentID, note)
			if err != nil {
				return agents.NewStandardToolResultFailure(lifecycleErrorDetails(err), nil), nil
			}
			return agents.NewStandardToolResultSuccess(map[string]any{
				"terminated_ids": receipt.TerminatedIDs,
				"note":           receipt.Note,
			}, nil), nil
		},
	}
}

// =============================================================================
// Messaging
// =============================================================================

func sendMessageTool(sender Sender) *Definition {
	return &Definition{
		Name:        "send_message_to_agent",
		Description: "Send a text message to another agent's inbox. The current task id is preserved so replies thread back.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_id": map[string]any{
					"type":        "string",
					"description": "Recipient agent id.",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "Message text.",
				},
				"priority": map[string]any{
					"type":        "string",
					"enum":        []string{"normal", "high"},
					"description": "Delivery priority.",
				},
			},
			"required":             []string{"agent_id", "message"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any, tctx *agents.ToolContext) (*agents.StandardToolResult, error) {
			to, _ := typeutil.SafeString(args["agent_id"])
			message, _ := typeutil.SafeString(args["message"])

			opts := []envelope.Option{}
			if tctx != nil && tctx.TaskID != "" {
				opts = append(opts, envelope.WithTaskID(tctx.TaskID))
			}
			if p, ok := typeutil.SafeString(args["priority"]); ok && p != "" {
				opts = append(opts, envelope.WithPriority(envelope.Priority(p)))
			}

			env := envelope.NewText(callerID(tctx), to, message, opts...)
			if err := sender.Send(env); err != nil {
				return agents.NewStandardToolResultFailure(agents.NewToolErrorDetails(
					"delivery_rejected", err.Error(), true,
				), nil), nil
			}
			return agents.NewStandardToolResultSuccess(map[string]any{
				"message_id":  env.ID,
				"to_agent_id": to,
			}, nil), nil
		},
	}
}

// =============================================================================
// System Prompt Appendix
// =============================================================================

func getAppendixTool(lifecycle Lifecycle) *Definition {
	return &Definition{
		Name:        "get_system_prompt_appendix",
		Description: "Read an agent's system prompt appendix. Defaults to your own when agent_id is omitted.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_id": map[string]any{
					"type":        "string",
					"description": "Agent to inspect; defaults to the calling agent.",
				},
			},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any, tctx *agents.ToolContext) (*agents.StandardToolResult, error) {
			agentID := targetAgent(args, tctx)
			appendix, err := lifecycle.GetSystemPromptAppendix(agentID)
			if err != nil {
				return agents.NewStandardToolResultFailure(lifecycleErrorDetails(err), nil), nil
			}
			return agents.NewStandardToolResultSuccess(map[string]any{
				"agent_id": agentID,
				"appendix": appendix,
			}, nil), nil
		},
	}
}

func setAppendixTool(lifecycle Lifecycle) *Definition {
	return &Definition{
		Name:        "set_system_prompt_appendix",
		Description: "Replace an agent's system prompt appendix and rebuild its system turn. Defaults to your own when agent_id is omitted.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"appendix": map[string]any{
					"type":        "string",
					"description": "New appendix text; empty clears it.",
				},
				"agent_id": map[string]any{
					"type":        "string",
					"description": "Agent to update; defaults to the calling agent.",
				},
			},
			"required":             []string{"appendix"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any, tctx *agents.ToolContext) (*agents.StandardToolResult, error) {
			agentID := targetAgent(args, tctx)
			appendix, _ := typeutil.SafeString(args["appendix"])

			if err := lifecycle.SetSystemPromptAppendix(agentID, appendix); err != nil {
				return agents.NewStandardToolResultFailure(lifecycleErrorDetails(err), nil), nil
			}
			return agents.NewStandardToolResultSuccess(map[string]any{
				"agent_id": agentID,
				"updated":  true,
			}, nil), nil
		},
	}
}

// =============================================================================
// Shared helpers
// =============================================================================

// callerID names the agent whose turn is executing the tool.
func callerID(tctx *agents.ToolContext) string {
	if tctx == nil {
		return ""
	}
	return tctx.AgentID
}

// targetAgent resolves the optional agent_id argument, defaulting to the
// caller.
func targetAgent(args map[string]any, tctx *agents.ToolContext) string {
	if v, ok := typeutil.SafeString(args["agent_id"]); ok && v != "" {
		return v
	}
	return callerID(tctx)
}

// lifecycleErrorDetails maps lifecycle failures onto tool error details the
// model can act on. Not-found failures are recoverable: the model may have
// a stale id and can list or respawn.
func lifecycleErrorDetails(err error) *agents.ToolErrorDetails {
	switch {
	case kernel.IsNotFound(err):
		return agents.NewToolErrorDetails("not_found", err.Error(), true)
	case kernel.IsShuttingDown(err):
		return agents.NewToolErrorDetails("shutting_down", err.Error(), false)
	case kernel.IsProtected(err):
		return agents.NewToolErrorDetails("protected_agent", err.Error(), false)
	default:
		return agents.NewToolErrorDetails("lifecycle_operation_failed", err.Error(), false)
	}
}
