// Package tools implements the host-side tool registry the inference
// engine dispatches model tool_calls against, generalizing the teacher's
// Tool/executeTool shape onto the sandbox, terminal, and workspace
// primitives instead of the teacher's guest-file and cron tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/otusdev/otusd/internal/episodic"
	"github.com/otusdev/otusd/internal/ignore"
	"github.com/otusdev/otusd/internal/sandbox"
	"github.com/otusdev/otusd/internal/semantic"
	"github.com/otusdev/otusd/internal/session"
	"github.com/otusdev/otusd/internal/terminal"
	"github.com/otusdev/otusd/internal/workspace"
)

// Tool describes one entry in the registry: name, human description, and
// JSON-Schema shaped input parameters. The model sees this list unchanged
// on every call.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Result is what Dispatch returns: the tool-result text surfaced back to
// the model, whether it represents an error, and whether it should end
// the current turn (task_complete only).
type Result struct {
	Text           string
	IsError        bool
	TerminatesTurn bool
}

// IgnoreProvider returns the workspace's currently active ignore patterns.
// Implemented by whatever loads the .otusignore file.
type IgnoreProvider interface {
	Patterns() *ignore.Patterns
}

// Registry holds every dependency a tool handler needs and exposes the
// canonical tool list plus the dispatch entrypoint.
type Registry struct {
	Sandboxes *sandbox.Manager
	Terminals *terminal.Multiplexer
	Syncer    *workspace.Syncer
	Ignore    IgnoreProvider
	Semantic  semantic.Store
	Episodic  episodic.Store
	Workspace string // host workspace root, used as docker's CWD
}

// New creates a tool registry wired to the given backends.
func New(sandboxes *sandbox.Manager, terminals *terminal.Multiplexer, syncer *workspace.Syncer, ig IgnoreProvider, sem semantic.Store, epi episodic.Store, workspaceRoot string) *Registry {
	return &Registry{
		Sandboxes: sandboxes,
		Terminals: terminals,
		Syncer:    syncer,
		Ignore:    ig,
		Semantic:  sem,
		Episodic:  epi,
		Workspace: workspaceRoot,
	}
}

// List returns the canonical tool list, unchanged across calls.
func (r *Registry) List() []Tool {
	return []Tool{
		{
			Name:        "start_sandbox",
			Description: "Start a sandbox, pulling one from the warm pool if available, and push the workspace into it.",
			InputSchema: schema(props{
				"name": {"type": "string", "description": "optional human name for the sandbox"},
				"push_workspace": {"type": "boolean", "description": "push the workspace after boot (default true)"},
			}, nil),
		},
		{
			Name:        "stop_sandbox",
			Description: "Stop the active sandbox, or a given one, syncing the workspace back first by default.",
			InputSchema: schema(props{
				"sandbox_id": {"type": "string", "description": "sandbox to stop (default: active)"},
				"sync_back":  {"type": "boolean", "description": "pull the workspace before stopping (default true)"},
			}, nil),
		},
		{
			Name:        "sync_workspace",
			Description: "Synchronise the workspace with the active sandbox in the given direction.",
			InputSchema: schema(props{
				"direction": {"type": "string", "enum": []string{"to_sandbox", "from_sandbox"}},
			}, []string{"direction"}),
		},
		{
			Name:        "get_otusignore",
			Description: "Return the workspace's active ignore patterns.",
			InputSchema: schema(props{}, nil),
		},
		{
			Name:        "start_terminal",
			Description: "Create a named persistent terminal in the active sandbox.",
			InputSchema: schema(props{
				"name": {"type": "string"},
			}, []string{"name"}),
		},
		{
			Name:        "send_to_terminal",
			Description: "Send a command to a named terminal.",
			InputSchema: schema(props{
				"name":    {"type": "string"},
				"command": {"type": "string"},
				"enter":   {"type": "boolean", "description": "press enter after the command (default true)"},
			}, []string{"name", "command"}),
		},
		{
			Name:        "read_terminal",
			Description: "Read a named terminal's output, incrementally by default.",
			InputSchema: schema(props{
				"name":        {"type": "string"},
				"incremental": {"type": "boolean", "description": "return only output since the last read (default true)"},
				"lines":       {"type": "integer", "description": "number of trailing lines to request from the guest"},
			}, []string{"name"}),
		},
		{
			Name:        "list_terminals",
			Description: "List the active sandbox's terminals.",
			InputSchema: schema(props{}, nil),
		},
		{
			Name:        "kill_terminal",
			Description: "Terminate a named terminal.",
			InputSchema: schema(props{
				"name": {"type": "string"},
			}, []string{"name"}),
		},
		{
			Name:        "wait",
			Description: "Sleep for a duration, surfacing the reason to the user.",
			InputSchema: schema(props{
				"duration": {"type": "integer", "description": "seconds to sleep"},
				"reason":   {"type": "string"},
			}, []string{"duration", "reason"}),
		},
		{
			Name:        "search_code",
			Description: "Search the workspace's semantic code index.",
			InputSchema: schema(props{
				"query": {"type": "string"},
				"limit": {"type": "integer"},
			}, []string{"query"}),
		},
		{
			Name:        "docker",
			Description: "Run a docker CLI command on the host, with CWD set to the workspace root.",
			InputSchema: schema(props{
				"command": {"description": "command as a string or argv array"},
			}, []string{"command"}),
		},
		{
			Name:        "plan",
			Description: "Replace the session's plan with a new ordered list of steps.",
			InputSchema: schema(props{
				"steps": {"type": "array", "items": map[string]interface{}{"type": "string"}},
			}, []string{"steps"}),
		},
		{
			Name:        "advance_plan",
			Description: "Mark the current plan step complete and advance to the next one.",
			InputSchema: schema(props{}, nil),
		},
		{
			Name:        "task_complete",
			Description: "Mark the current task complete, persist a reflection, and end the turn.",
			InputSchema: schema(props{
				"summary": {"type": "string"},
				"lessons": {"type": "string"},
			}, []string{"summary"}),
		},
	}
}

type props map[string]map[string]interface{}

func schema(properties props, required []string) map[string]interface{} {
	p := make(map[string]interface{}, len(properties))
	for k, v := range properties {
		p[k] = v
	}
	s := map[string]interface{}{
		"type":       "object",
		"properties": p,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// Dispatch executes one tool call by name against raw JSON input, returning
// the tool-result text, whether it is an error, and whether it ends the
// turn. An unrecognized name is a non-fatal tool error, never a panic.
func (r *Registry) Dispatch(ctx context.Context, sess *session.Session, taskID, name string, input json.RawMessage) Result {
	switch name {
	case "start_sandbox":
		return r.startSandbox(ctx, input)
	case "stop_sandbox":
		return r.stopSandbox(ctx, input)
	case "sync_workspace":
		return r.syncWorkspace(ctx, input)
	case "get_otusignore":
		return r.getOtusignore()
	case "start_terminal":
		return r.startTerminal(ctx, input)
	case "send_to_terminal":
		return r.sendToTerminal(ctx, input)
	case "read_terminal":
		return r.readTerminal(ctx, input)
	case "list_terminals":
		return r.listTerminals(ctx)
	case "kill_terminal":
		return r.killTerminal(ctx, input)
	case "wait":
		return r.wait(ctx, input)
	case "search_code":
		return r.searchCode(ctx, input)
	case "docker":
		return r.docker(ctx, input)
	case "plan":
		return r.plan(sess, input)
	case "advance_plan":
		return r.advancePlan(sess)
	case "task_complete":
		return r.taskComplete(sess, taskID, input)
	default:
		return jsonError(fmt.Sprintf("unknown tool: %s", name))
	}
}

func (r *Registry) startSandbox(ctx context.Context, input json.RawMessage) Result {
	var args struct {
		Name          string `json:"name"`
		PushWorkspace *bool  `json:"push_workspace"`
	}
	if err := unmarshal(input, &args); err != nil {
		return jsonError(err.Error())
	}

	sb, err := r.Sandboxes.StartSandbox(ctx, args.Name)
	if err != nil {
		return jsonError(fmt.Sprintf("start_sandbox: %v", err))
	}

	push := args.PushWorkspace == nil || *args.PushWorkspace
	filesSynced := 0
	if push && r.Syncer != nil {
		res, err := r.Syncer.ToSandbox(ctx, sb.Client, r.ignorePatterns())
		if err != nil {
			return jsonError(fmt.Sprintf("start_sandbox: workspace push failed: %v", err))
		}
		filesSynced = res.FilesWritten
		sb.WorkspaceSynced = true
	}

	return jsonResult(map[string]any{
		"id":           sb.ID,
		"name":         sb.Name,
		"ip":           sb.GuestIP,
		"files_synced": filesSynced,
	})
}

func (r *Registry) stopSandbox(ctx context.Context, input json.RawMessage) Result {
	var args struct {
		SandboxID string `json:"sandbox_id"`
		SyncBack  *bool  `json:"sync_back"`
	}
	if err := unmarshal(input, &args); err != nil {
		return jsonError(err.Error())
	}

	id := args.SandboxID
	if id == "" {
		active := r.Sandboxes.Active()
		if active == nil {
			return jsonError("stop_sandbox: no active sandbox")
		}
		id = active.ID
	}

	syncBack := args.SyncBack == nil || *args.SyncBack
	if err := r.Sandboxes.StopSandbox(ctx, id, syncBack, r.ignorePatterns()); err != nil {
		return jsonError(fmt.Sprintf("stop_sandbox: %v", err))
	}
	if r.Terminals != nil {
		r.Terminals.DropSandbox(id)
	}
	return jsonResult(fmt.Sprintf("sandbox %s stopped", id))
}

func (r *Registry) syncWorkspace(ctx context.Context, input json.RawMessage) Result {
	var args struct {
		Direction string `json:"direction"`
	}
	if err := unmarshal(input, &args); err != nil {
		return jsonError(err.Error())
	}

	active := r.Sandboxes.Active()
	if active == nil {
		return jsonError("sync_workspace: no active sandbox")
	}

	switch args.Direction {
	case "to_sandbox":
		res, err := r.Syncer.ToSandbox(ctx, active.Client, r.ignorePatterns())
		if err != nil {
			return jsonError(fmt.Sprintf("sync_workspace: %v", err))
		}
		return jsonResult(map[string]any{"files_written": res.FilesWritten})
	case "from_sandbox":
		res, err := r.Syncer.FromSandbox(ctx, active.Client, r.ignorePatterns())
		if err != nil {
			return jsonError(fmt.Sprintf("sync_workspace: %v", err))
		}
		return jsonResult(map[string]any{"files_written": res.FilesWritten, "bytes_written": res.BytesWritten})
	default:
		return jsonError(fmt.Sprintf("sync_workspace: invalid direction %q", args.Direction))
	}
}

func (r *Registry) getOtusignore() Result {
	return jsonResult(map[string]any{"patterns": r.ignorePatterns().Lines()})
}

func (r *Registry) ignorePatterns() *ignore.Patterns {
	if r.Ignore == nil {
		return nil
	}
	return r.Ignore.Patterns()
}

func (r *Registry) startTerminal(ctx context.Context, input json.RawMessage) Result {
	var args struct {
		Name string `json:"name"`
	}
	if err := unmarshal(input, &args); err != nil {
		return jsonError(err.Error())
	}
	active, err := r.activeSandbox()
	if err != nil {
		return jsonError(err.Error())
	}
	if err := r.Terminals.StartTerminal(ctx, active.Client, active.ID, args.Name, ""); err != nil {
		return jsonError(fmt.Sprintf("start_terminal: %v", err))
	}
	return jsonResult("ok")
}

func (r *Registry) sendToTerminal(ctx context.Context, input json.RawMessage) Result {
	var args struct {
		Name    string `json:"name"`
		Command string `json:"command"`
		Enter   *bool  `json:"enter"`
	}
	if err := unmarshal(input, &args); err != nil {
		return jsonError(err.Error())
	}
	active, err := r.activeSandbox()
	if err != nil {
		return jsonError(err.Error())
	}
	enter := args.Enter == nil || *args.Enter
	if err := r.Terminals.SendToTerminal(ctx, active.Client, active.ID, args.Name, args.Command, enter); err != nil {
		return jsonError(fmt.Sprintf("send_to_terminal: %v", err))
	}
	return jsonResult("ok")
}

func (r *Registry) readTerminal(ctx context.Context, input json.RawMessage) Result {
	var args struct {
		Name        string `json:"name"`
		Incremental *bool  `json:"incremental"`
		Lines       int    `json:"lines"`
	}
	if err := unmarshal(input, &args); err != nil {
		return jsonError(err.Error())
	}
	active, err := r.activeSandbox()
	if err != nil {
		return jsonError(err.Error())
	}
	incremental := args.Incremental == nil || *args.Incremental
	text, err := r.Terminals.ReadTerminal(ctx, active.Client, active.ID, args.Name, incremental, args.Lines)
	if err != nil {
		return jsonError(fmt.Sprintf("read_terminal: %v", err))
	}
	return jsonResult(text)
}

func (r *Registry) listTerminals(ctx context.Context) Result {
	active, err := r.activeSandbox()
	if err != nil {
		return jsonError(err.Error())
	}
	sessions, err := r.Terminals.ListTerminals(ctx, active.Client)
	if err != nil {
		return jsonError(fmt.Sprintf("list_terminals: %v", err))
	}
	return jsonResult(sessions)
}

func (r *Registry) killTerminal(ctx context.Context, input json.RawMessage) Result {
	var args struct {
		Name string `json:"name"`
	}
	if err := unmarshal(input, &args); err != nil {
		return jsonError(err.Error())
	}
	active, err := r.activeSandbox()
	if err != nil {
		return jsonError(err.Error())
	}
	if err := r.Terminals.KillTerminal(ctx, active.Client, active.ID, args.Name); err != nil {
		return jsonError(fmt.Sprintf("kill_terminal: %v", err))
	}
	return jsonResult("ok")
}

func (r *Registry) activeSandbox() (*sandbox.Sandbox, error) {
	active := r.Sandboxes.Active()
	if active == nil {
		return nil, fmt.Errorf("no active sandbox")
	}
	return active, nil
}

func (r *Registry) wait(ctx context.Context, input json.RawMessage) Result {
	var args struct {
		Duration int    `json:"duration"`
		Reason   string `json:"reason"`
	}
	if err := unmarshal(input, &args); err != nil {
		return jsonError(err.Error())
	}
	timer := time.NewTimer(time.Duration(args.Duration) * time.Second)
	defer timer.Stop()
	select {
	case <-timer.C:
		return jsonResult(fmt.Sprintf("waited %ds: %s", args.Duration, args.Reason))
	case <-ctx.Done():
		return jsonError("wait interrupted")
	}
}

func (r *Registry) searchCode(ctx context.Context, input json.RawMessage) Result {
	var args struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := unmarshal(input, &args); err != nil {
		return jsonError(err.Error())
	}
	if r.Semantic == nil {
		return jsonError("search_code: no semantic store configured")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 10
	}
	results, err := r.Semantic.Search(ctx, args.Query, limit)
	if err != nil {
		return jsonError(fmt.Sprintf("search_code: %v", err))
	}
	return jsonResult(results)
}

func (r *Registry) docker(ctx context.Context, input json.RawMessage) Result {
	var args struct {
		Command json.RawMessage `json:"command"`
	}
	if err := unmarshal(input, &args); err != nil {
		return jsonError(err.Error())
	}

	argv, err := dockerArgv(args.Command)
	if err != nil {
		return jsonError(err.Error())
	}

	cmd := exec.CommandContext(ctx, "docker", argv...)
	cmd.Dir = r.Workspace
	cmd.Env = os.Environ()
	out, runErr := cmd.CombinedOutput()

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return jsonError(fmt.Sprintf("docker: %v", runErr))
		}
	}
	return jsonResult(map[string]any{
		"stdout": string(out),
		"exit":   exitCode,
	})
}

// dockerArgv accepts either a JSON string (split on whitespace) or a JSON
// array of strings, per spec.md's "string or argv" input shape.
func dockerArgv(raw json.RawMessage) ([]string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return strings.Fields(asString), nil
	}
	var asArray []string
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return asArray, nil
	}
	return nil, fmt.Errorf("docker: command must be a string or an array of strings")
}

func (r *Registry) plan(sess *session.Session, input json.RawMessage) Result {
	var args struct {
		Steps []string `json:"steps"`
	}
	if err := unmarshal(input, &args); err != nil {
		return jsonError(err.Error())
	}
	sess.SetPlan(args.Steps)
	sess.Publish(session.TurnEvent{Kind: session.EventPlanCreated, PlanSteps: args.Steps})
	return jsonResult("ack")
}

// advancePlan marks the plan's current step complete, publishing
// plan_step_complete so the SSE client can track progress alongside the
// directive currentStepDirective already injects into context.
func (r *Registry) advancePlan(sess *session.Session) Result {
	completed, next, total, ok := sess.AdvancePlan()
	if !ok {
		return jsonError("advance_plan: no active plan step")
	}
	sess.Publish(session.TurnEvent{Kind: session.EventPlanStepComplete, Completed: completed, Next: next, Total: total})
	return jsonResult(map[string]any{"completed": completed, "next": next, "total": total})
}

func (r *Registry) taskComplete(sess *session.Session, taskID string, input json.RawMessage) Result {
	var args struct {
		Summary string `json:"summary"`
		Lessons string `json:"lessons"`
	}
	if err := unmarshal(input, &args); err != nil {
		return jsonError(err.Error())
	}
	sess.SetSummary(args.Summary)
	if r.Episodic != nil && taskID != "" {
		_ = r.Episodic.Append(taskID, "task_complete", map[string]string{
			"summary": args.Summary,
			"lessons": args.Lessons,
		})
	}
	return Result{Text: jsonResultText(map[string]any{"summary": args.Summary}), TerminatesTurn: true}
}

func unmarshal(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	return nil
}

// jsonResult marshals v to a JSON string tool-result, mirroring the
// teacher's jsonResult/jsonError helper pair.
func jsonResult(v interface{}) Result {
	return Result{Text: jsonResultText(v)}
}

func jsonResultText(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func jsonError(msg string) Result {
	return Result{Text: msg, IsError: true}
}
