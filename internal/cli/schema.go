package cli

import (
	"encoding/json"
	"strings"
)

// schemaTypes lists the NDJSON types in output order.
var schemaTypes = []string{
	"contexts", "context_switch", "context_added", "context_removed",
	"proxy_stopped", "heartbeat", "trigger", "ready", "error",
}

// SchemaCmd outputs JSON Schema for wvctx output types
type SchemaCmd struct {
	Type []string `short:"t" help:"Output types to include (contexts,context_switch,context_added,context_removed,proxy_stopped,heartbeat,trigger,ready,error). Default: all"`
}

// Run executes the schema command
func (c *SchemaCmd) Run(globals *Globals) error {
	schemas := map[string]interface{}{
		"contexts":        contextsSchema(),
		"context_switch":  contextSwitchSchema(),
		"context_added":   contextChangeSchema("context_added", "A context appeared on the device"),
		"context_removed": contextChangeSchema("context_removed", "A context disappeared from the device"),
		"proxy_stopped":   proxyStoppedSchema(),
		"heartbeat":       heartbeatSchema(),
		"trigger":         triggerSchema(),
		"ready":           readySchema(),
		"error":           errorSchema(),
	}

	typesToOutput := c.Type
	if len(typesToOutput) == 0 {
		typesToOutput = schemaTypes
	}

	output := map[string]interface{}{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"title":       "wvctx Output Schemas",
		"description": "JSON Schema definitions for all wvctx NDJSON output types",
		"definitions": map[string]interface{}{},
	}

	defs := output["definitions"].(map[string]interface{})
	for _, t := range typesToOutput {
		t = strings.ToLower(strings.TrimSpace(t))
		if schema, ok := schemas[t]; ok {
			defs[t] = schema
		}
	}

	encoder := json.NewEncoder(globals.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func typeConst(name string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "const": name}
}

func schemaVersionProp() map[string]interface{} {
	return map[string]interface{}{"type": "integer", "const": 1}
}

func timestampProp() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"format":      "date-time",
		"description": "RFC3339 UTC timestamp",
	}
}

func contextObject() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Context name, e.g. NATIVE_APP, WEBVIEW_com.example.app, WEBVIEW_1234, CHROMIUM",
			},
			"kind": map[string]interface{}{
				"type": "string",
				"enum": []string{"native", "webview", "chromium", "unknown"},
			},
			"package": map[string]interface{}{
				"type":        "string",
				"description": "Package owning the webview, when known",
			},
			"pid": map[string]interface{}{
				"type":        "integer",
				"description": "Process id of the webview, when known",
			},
		},
		"required": []string{"name", "kind"},
	}
}

func contextsSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"title":       "Contexts",
		"description": "Contexts found by one discovery pass; the native context is always first",
		"properties": map[string]interface{}{
			"type":          typeConst("contexts"),
			"schemaVersion": schemaVersionProp(),
			"serial":        map[string]interface{}{"type": "string"},
			"current": map[string]interface{}{
				"type":        "string",
				"description": "Context commands currently go to",
			},
			"contexts": map[string]interface{}{
				"type":  "array",
				"items": contextObject(),
			},
			"timestamp": timestampProp(),
		},
		"required": []string{"type", "schemaVersion", "current", "contexts", "timestamp"},
	}
}

func contextSwitchSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"title":       "Context Switch",
		"description": "The session moved to another context",
		"properties": map[string]interface{}{
			"type":          typeConst("context_switch"),
			"schemaVersion": schemaVersionProp(),
			"from":          map[string]interface{}{"type": "string"},
			"to":            map[string]interface{}{"type": "string"},
			"proxy_enabled": map[string]interface{}{
				"type":        "boolean",
				"description": "True when commands are now forwarded to chromedriver",
			},
			"proxies": map[string]interface{}{
				"type":        "integer",
				"description": "Chromedriver proxies kept alive after the switch",
			},
			"timestamp": timestampProp(),
		},
		"required": []string{"type", "schemaVersion", "from", "to", "proxy_enabled", "proxies", "timestamp"},
	}
}

func contextChangeSchema(name, description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"title":       "Context Change",
		"description": description,
		"properties": map[string]interface{}{
			"type":          typeConst(name),
			"schemaVersion": schemaVersionProp(),
			"context":       contextObject(),
			"timestamp":     timestampProp(),
		},
		"required": []string{"type", "schemaVersion", "context", "timestamp"},
	}
}

func proxyStoppedSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"title":       "Proxy Stopped",
		"description": "A chromedriver quit without being asked to",
		"properties": map[string]interface{}{
			"type":          typeConst("proxy_stopped"),
			"schemaVersion": schemaVersionProp(),
			"context":       map[string]interface{}{"type": "string"},
			"foreground": map[string]interface{}{
				"type":        "boolean",
				"description": "True when it served the current context, which ends the session",
			},
			"reason":    map[string]interface{}{"type": "string"},
			"timestamp": timestampProp(),
		},
		"required": []string{"type", "schemaVersion", "context", "foreground", "reason", "timestamp"},
	}
}

func heartbeatSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"title":       "Heartbeat",
		"description": "Keepalive message indicating watch is polling",
		"properties": map[string]interface{}{
			"type":           typeConst("heartbeat"),
			"schemaVersion":  schemaVersionProp(),
			"timestamp":      timestampProp(),
			"uptime_seconds": map[string]interface{}{"type": "integer"},
			"polls":          map[string]interface{}{"type": "integer"},
			"contexts": map[string]interface{}{
				"type":        "integer",
				"description": "Contexts seen by the last successful poll",
			},
		},
		"required": []string{"type", "schemaVersion", "timestamp", "uptime_seconds", "polls", "contexts"},
	}
}

func triggerSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"title":       "Trigger",
		"description": "Result of a command run by watch --on-change, --on-added or --on-removed",
		"properties": map[string]interface{}{
			"type":          typeConst("trigger"),
			"schemaVersion": schemaVersionProp(),
			"timestamp":     timestampProp(),
			"command":       map[string]interface{}{"type": "string"},
			"context":       map[string]interface{}{"type": "string"},
			"exit_code": map[string]interface{}{
				"type":        "integer",
				"description": "Exit status, -1 when the command could not run to completion",
			},
			"error": map[string]interface{}{"type": "string"},
		},
		"required": []string{"type", "schemaVersion", "timestamp", "command", "context", "exit_code"},
	}
}

func readySchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"title":       "Ready",
		"description": "A long-running command is up",
		"properties": map[string]interface{}{
			"type":          typeConst("ready"),
			"schemaVersion": schemaVersionProp(),
			"timestamp":     timestampProp(),
			"mode": map[string]interface{}{
				"type": "string",
				"enum": []string{"hold", "watch", "serve"},
			},
			"serial":      map[string]interface{}{"type": "string"},
			"app_package": map[string]interface{}{"type": "string"},
			"addr": map[string]interface{}{
				"type":        "string",
				"description": "Listen address, for serve",
			},
			"context": map[string]interface{}{
				"type":        "string",
				"description": "Held context, for switch --hold",
			},
		},
		"required": []string{"type", "schemaVersion", "timestamp", "mode"},
	}
}

func errorSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"title":       "Error",
		"description": "Error message from wvctx",
		"properties": map[string]interface{}{
			"type":          typeConst("error"),
			"schemaVersion": schemaVersionProp(),
			"code": map[string]interface{}{
				"type":        "string",
				"description": "Error code",
				"enum": []string{
					"DEVICE_NOT_FOUND",
					"NO_APP_PACKAGE",
					"NO_SUCH_CONTEXT",
					"UNSUPPORTED_TRANSITION",
					"PROXY_STOPPED",
					"PROXY_NOT_ACTIVE",
					"SESSION_ERROR",
					"DISCOVERY_FAILED",
					"INVALID_PATTERN",
					"INVALID_EXCLUDE_PATTERN",
					"INVALID_WHERE",
					"INVALID_DURATION",
					"INVALID_FLAGS",
					"LISTEN_FAILED",
					"SERVE_FAILED",
					"CONFIG_GENERATE_FAILED",
				},
			},
			"message": map[string]interface{}{"type": "string"},
			"hint": map[string]interface{}{
				"type":        "string",
				"description": "Suggested fix, when one is known",
			},
		},
		"required": []string{"type", "schemaVersion", "code", "message"},
	}
}
