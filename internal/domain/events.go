package domain

import "time"

// SchemaVersion is the version stamped on every NDJSON event.
const SchemaVersion = 1

// ContextList is emitted after a discovery pass.
type ContextList struct {
	Type          string    `json:"type"`          // "contexts"
	SchemaVersion int       `json:"schemaVersion"` // 1
	Serial        string    `json:"serial,omitempty"`
	Current       string    `json:"current"`
	Contexts      []Context `json:"contexts"`
	Timestamp     string    `json:"timestamp"`
}

// ContextSwitch is emitted when the active context changes.
type ContextSwitch struct {
	Type          string `json:"type"` // "context_switch"
	SchemaVersion int    `json:"schemaVersion"`
	From          string `json:"from"`
	To            string `json:"to"`
	ProxyEnabled  bool   `json:"proxy_enabled"`
	Proxies       int    `json:"proxies"` // Proxy handles alive after the switch
	Timestamp     string `json:"timestamp"`
}

// ContextChange is emitted by watch when a context appears or disappears.
type ContextChange struct {
	Type          string  `json:"type"` // "context_added" or "context_removed"
	SchemaVersion int     `json:"schemaVersion"`
	Context       Context `json:"context"`
	Timestamp     string  `json:"timestamp"`
}

// ProxyStopped is emitted when a chromedriver proxy quits without being asked to.
type ProxyStopped struct {
	Type          string `json:"type"` // "proxy_stopped"
	SchemaVersion int    `json:"schemaVersion"`
	Context       string `json:"context"`
	Foreground    bool   `json:"foreground"`
	Reason        string `json:"reason"`
	Timestamp     string `json:"timestamp"`
}

// NewContextList creates a new ContextList event
func NewContextList(serial string, current Context, contexts []Context) *ContextList {
	return &ContextList{
		Type:          "contexts",
		SchemaVersion: SchemaVersion,
		Serial:        serial,
		Current:       current.Name,
		Contexts:      contexts,
		Timestamp:     now(),
	}
}

// NewContextSwitch creates a new ContextSwitch event
func NewContextSwitch(from, to Context, proxyEnabled bool, proxies int) *ContextSwitch {
	return &ContextSwitch{
		Type:          "context_switch",
		SchemaVersion: SchemaVersion,
		From:          from.Name,
		To:            to.Name,
		ProxyEnabled:  proxyEnabled,
		Proxies:       proxies,
		Timestamp:     now(),
	}
}

// NewContextChange creates a context_added or context_removed event
func NewContextChange(added bool, c Context) *ContextChange {
	typ := "context_removed"
	if added {
		typ = "context_added"
	}
	return &ContextChange{
		Type:          typ,
		SchemaVersion: SchemaVersion,
		Context:       c,
		Timestamp:     now(),
	}
}

// NewProxyStopped creates a new ProxyStopped event
func NewProxyStopped(context string, foreground bool, reason string) *ProxyStopped {
	return &ProxyStopped{
		Type:          "proxy_stopped",
		SchemaVersion: SchemaVersion,
		Context:       context,
		Foreground:    foreground,
		Reason:        reason,
		Timestamp:     now(),
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
