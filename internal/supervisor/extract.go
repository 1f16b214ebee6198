package supervisor

import "encoding/json"

// extractTarget lifts the salient string out of a tool input for loop
// tracking and display: the file path for file operations, the leading
// characters of a shell command, the pattern for search tools, the role or
// agent id for harness tools.
func extractTarget(tool string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields struct {
		FilePath     string `json:"file_path"`
		NotebookPath string `json:"notebook_path"`
		Command      string `json:"command"`
		Pattern      string `json:"pattern"`
		Role         string `json:"role"`
		AgentID      string `json:"agentId"`
		URL          string `json:"url"`
	}
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}

	switch tool {
	case "Read", "Write", "Edit", "MultiEdit":
		return fields.FilePath
	case "NotebookEdit":
		return fields.NotebookPath
	case "Bash":
		cmd := fields.Command
		if len(cmd) > targetLimit {
			cmd = cmd[:targetLimit]
		}
		return cmd
	case "Grep", "Glob":
		return fields.Pattern
	case "WebFetch":
		return fields.URL
	case "draft_agent":
		return fields.Role
	case "await_agent", "kill_agent":
		return fields.AgentID
	}

	// Unknown tools fall back to whichever salient field is present.
	for _, v := range []string{fields.FilePath, fields.Command, fields.Pattern, fields.Role, fields.AgentID} {
		if v != "" {
			if len(v) > targetLimit {
				return v[:targetLimit]
			}
			return v
		}
	}
	return ""
}
