package wire

import (
	"encoding/json"
	"fmt"
)

// Inbound is a parsed client -> engine message.
type Inbound struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ModelID  string `json:"modelId,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// ParseInbound decodes a client frame. Unknown types are returned as-is;
// callers decide whether to ignore them.
func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("invalid client message: %w", err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("client message missing type")
	}
	return in, nil
}
