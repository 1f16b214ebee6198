// dispatchctl submits prompts to a running dispatchd and streams the agent's
// progress back to the terminal. It also carries the entity tooling for
// scaffolding and validating role and project files.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dispatchd/internal/entity"
	"github.com/dispatchd/internal/types"
)

const defaultAddr = "127.0.0.1:8787"

func main() {
	addr := flag.String("addr", defaultAddr, "dispatchd address")
	project := flag.String("project", "", "Project the prompt targets")
	flag.StringVar(project, "p", "", "Shorthand for -project")
	role := flag.String("role", "", "Role to dispatch as (routing rules apply when empty)")
	flag.StringVar(role, "r", "", "Shorthand for -role")
	cwd := flag.String("cwd", "", "Working directory for the agent")
	task := flag.String("task", "", "Existing task slug to attach to")
	flag.StringVar(task, "t", "", "Shorthand for -task")
	listProjects := flag.Bool("list-projects", false, "List projects and exit")
	listTasks := flag.Bool("list-tasks", false, "List tasks for -project and exit")
	timeout := flag.Duration("timeout", 30*time.Minute, "Give up waiting for the dispatch after this long")
	flag.Parse()

	args := flag.Args()
	if len(args) > 0 && args[0] == "entity" {
		os.Exit(runEntity(args[1:]))
	}

	client, err := dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to dispatchd at %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer client.Close()

	switch {
	case *listProjects:
		os.Exit(client.listProjects())
	case *listTasks:
		os.Exit(client.listTasks(*project))
	}

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: dispatchctl [flags] <prompt>")
		fmt.Fprintln(os.Stderr, "       dispatchctl entity scaffold <type> <name> [author]")
		fmt.Fprintln(os.Stderr, "       dispatchctl entity validate <file> [type]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	prompt := strings.Join(args, " ")
	os.Exit(client.submit(prompt, *project, *role, *cwd, *task, *timeout))
}

// client is a JSON-RPC connection to the daemon. Calls and notifications
// share one read loop; ids are sequential.
type client struct {
	conn   *websocket.Conn
	nextID int
}

func dial(addr string) (*client, error) {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		return nil, err
	}
	return &client{conn: conn}, nil
}

func (c *client) Close() { c.conn.Close() }

// call sends one request and reads frames until its response arrives.
// Notifications seen along the way are handed to onNotify when set.
func (c *client) call(method string, params interface{}, onNotify func(types.RPCNotification)) (json.RawMessage, error) {
	c.nextID++
	id := c.nextID
	req := map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method, "params": params}
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, err
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var frame struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *types.RPCError `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.ID == nil {
			if onNotify != nil {
				onNotify(types.RPCNotification{Method: frame.Method, Params: frame.Params})
			}
			continue
		}
		if got, ok := frame.ID.(float64); !ok || int(got) != id {
			continue
		}
		if frame.Error != nil {
			return nil, frame.Error
		}
		return frame.Result, nil
	}
}

func (c *client) submit(prompt, project, role, cwd, task string, timeout time.Duration) int {
	params := map[string]string{"content": prompt}
	if project != "" {
		params["project"] = project
	}
	if role != "" {
		params["role"] = role
	}
	if cwd != "" {
		params["cwd"] = cwd
	}
	if task != "" {
		params["task_slug"] = task
	}

	result, err := c.call("submit_prompt", params, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}
	var submitted struct {
		ThreadID string `json:"thread_id"`
		TaskSlug string `json:"task_slug"`
		Draft    bool   `json:"draft"`
	}
	if err := json.Unmarshal(result, &submitted); err != nil {
		fmt.Fprintf(os.Stderr, "decode submit result: %v\n", err)
		return 1
	}
	fmt.Printf("dispatched %s (task %s)\n", submitted.ThreadID, submitted.TaskSlug)
	if submitted.Draft {
		// Draft turns are conversational; the session stays open.
		return 0
	}

	return c.follow(submitted.ThreadID, timeout)
}

// follow streams notifications until the agent's result message arrives.
func (c *client) follow(agentID string, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			fmt.Fprintf(os.Stderr, "stream closed: %v\n", err)
			return 1
		}
		var note struct {
			Method string               `json:"method"`
			Params types.ChannelMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &note); err != nil {
			continue
		}
		if note.Method != types.NotifyChannelMessage || note.Params.AgentID != agentID {
			continue
		}
		msg := note.Params
		switch msg.Type {
		case types.MessageChat, types.MessageQuestion:
			fmt.Printf("%s\n", msg.Text)
		case types.MessageToolUse:
			fmt.Printf("  * %s\n", msg.Text)
		case types.MessageWarning:
			fmt.Printf("  ! %s\n", msg.Text)
		case types.MessageError:
			fmt.Fprintf(os.Stderr, "  ! %s\n", msg.Text)
		case types.MessageResult:
			fmt.Printf("\n[%s] %s\n", msg.Status, msg.Text)
			if msg.Status == "completed" || msg.Status == "aborted" {
				return 0
			}
			return 1
		}
	}
	fmt.Fprintln(os.Stderr, "timed out waiting for the dispatch to finish")
	return 1
}

func (c *client) listProjects() int {
	result, err := c.call("list_projects", nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list projects: %v\n", err)
		return 1
	}
	var out struct {
		Projects []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"projects"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		fmt.Fprintf(os.Stderr, "decode: %v\n", err)
		return 1
	}
	for _, p := range out.Projects {
		if p.Description != "" {
			fmt.Printf("%s\t%s\n", p.Name, p.Description)
		} else {
			fmt.Println(p.Name)
		}
	}
	return 0
}

func (c *client) listTasks(project string) int {
	if project == "" {
		fmt.Fprintln(os.Stderr, "-list-tasks requires -project")
		return 2
	}
	result, err := c.call("list_tasks", map[string]string{"project": project}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
		return 1
	}
	var out struct {
		Tasks []struct {
			Slug   string `json:"slug"`
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		fmt.Fprintf(os.Stderr, "decode: %v\n", err)
		return 1
	}
	for _, t := range out.Tasks {
		fmt.Printf("%s\t%s\t%s\n", t.Slug, t.Status, t.Name)
	}
	return 0
}

// runEntity handles the offline entity subcommands. They never talk to the
// daemon; files are written next to the caller.
func runEntity(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: dispatchctl entity scaffold|validate ...")
		return 2
	}
	switch args[0] {
	case "scaffold":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: dispatchctl entity scaffold <type> <name> [author]")
			return 2
		}
		author := ""
		if len(args) > 3 {
			author = args[3]
		}
		filename, content, err := entity.Scaffold(args[1], args[2], author)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scaffold: %v\n", err)
			return 1
		}
		if err := os.WriteFile(filename, []byte(content), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", filename, err)
			return 1
		}
		fmt.Printf("wrote %s\n", filename)
		return 0

	case "validate":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: dispatchctl entity validate <file> [type]")
			return 2
		}
		content, err := os.ReadFile(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", args[1], err)
			return 1
		}
		entityType := ""
		if len(args) > 2 {
			entityType = args[2]
		} else {
			entityType = entity.DetectType(args[1])
		}
		findings := entity.Validate(content, entityType)
		for _, f := range findings {
			if f.Field != "" {
				fmt.Fprintf(os.Stderr, "%s: %s: %s: %s\n", args[1], f.Level, f.Field, f.Message)
			} else {
				fmt.Fprintf(os.Stderr, "%s: %s: %s\n", args[1], f.Level, f.Message)
			}
		}
		if !entity.Valid(findings) {
			return 1
		}
		fmt.Printf("%s: ok\n", args[1])
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown entity command %q\n", args[0])
		return 2
	}
}
