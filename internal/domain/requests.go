package domain

import (
	"encoding/json"
	"fmt"
)

// LoginRequest is the JSON body posted to the panel login endpoint.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// PanelResponse is the envelope every panel API endpoint answers with.
type PanelResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg,omitempty"`
	Obj     json.RawMessage `json:"obj,omitempty"`
}

// Inbound is a panel listener hosting many client credentials.  Fields the
// panel sends that are not modelled here are kept and written back verbatim,
// because updates replace the whole object.
type Inbound struct {
	ID          int
	Port        int
	Remark      string
	Protocol    string
	Enable      bool
	Up          int64
	Down        int64
	Settings    string
	ClientStats []ClientTraffic

	extra map[string]json.RawMessage
}

// ClientTraffic is the per-client usage row some panels attach to inbounds.
type ClientTraffic struct {
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
}

var inboundKeys = []string{"id", "port", "remark", "protocol", "enable", "up", "down", "settings", "clientStats"}

func (in *Inbound) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := decodeKnown(raw, map[string]any{
		"id":          &in.ID,
		"port":        &in.Port,
		"remark":      &in.Remark,
		"protocol":    &in.Protocol,
		"enable":      &in.Enable,
		"up":          &in.Up,
		"down":        &in.Down,
		"clientStats": &in.ClientStats,
	}); err != nil {
		return err
	}
	if v, ok := raw["settings"]; ok {
		s, err := settingsText(v)
		if err != nil {
			return err
		}
		in.Settings = s
	}
	for _, k := range inboundKeys {
		delete(raw, k)
	}
	in.extra = raw
	return nil
}

func (in Inbound) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(in.extra)+len(inboundKeys))
	for k, v := range in.extra {
		out[k] = v
	}
	out["id"] = in.ID
	out["port"] = in.Port
	out["remark"] = in.Remark
	out["protocol"] = in.Protocol
	out["enable"] = in.Enable
	out["up"] = in.Up
	out["down"] = in.Down
	out["settings"] = in.Settings
	if in.ClientStats != nil {
		out["clientStats"] = in.ClientStats
	}
	return json.Marshal(out)
}

// Traffic returns the usage row for email from ClientStats.
func (in Inbound) Traffic(email string) (ClientTraffic, bool) {
	for _, ct := range in.ClientStats {
		if ct.Email == email {
			return ct, true
		}
	}
	return ClientTraffic{}, false
}

// settingsText accepts the settings blob either as a JSON string (the
// documented shape) or as an embedded object.
func settingsText(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(v, &obj); err != nil {
		return "", fmt.Errorf("settings: %w", err)
	}
	return string(v), nil
}

// InboundSettings is the decoded settings blob of an inbound.
type InboundSettings struct {
	Clients []ClientRecord

	extra map[string]json.RawMessage
}

// ParseInboundSettings decodes the settings text of an inbound.  An empty
// blob yields no clients.
func ParseInboundSettings(text string) (InboundSettings, error) {
	var s InboundSettings
	if text == "" {
		return s, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return s, fmt.Errorf("decode inbound settings: %w", err)
	}
	if v, ok := raw["clients"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &s.Clients); err != nil {
			return s, fmt.Errorf("decode inbound clients: %w", err)
		}
	}
	delete(raw, "clients")
	s.extra = raw
	return s, nil
}

// Encode renders the settings back to the text form stored on the inbound.
func (s InboundSettings) Encode() (string, error) {
	out := make(map[string]any, len(s.extra)+1)
	for k, v := range s.extra {
		out[k] = v
	}
	clients := s.Clients
	if clients == nil {
		clients = []ClientRecord{}
	}
	out["clients"] = clients
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ClientRecord is one provisioned credential inside an inbound.
type ClientRecord struct {
	ID         string
	Email      string
	Flow       string
	LimitIP    int
	TotalGB    int64
	ExpiryTime int64
	Enable     bool
	Up         int64
	Down       int64

	extra map[string]json.RawMessage
}

var clientKeys = []string{"id", "email", "flow", "limitIp", "totalGB", "expiryTime", "enable", "up", "down"}

func (c *ClientRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := decodeKnown(raw, map[string]any{
		"id":         &c.ID,
		"email":      &c.Email,
		"flow":       &c.Flow,
		"limitIp":    &c.LimitIP,
		"totalGB":    &c.TotalGB,
		"expiryTime": &c.ExpiryTime,
		"enable":     &c.Enable,
		"up":         &c.Up,
		"down":       &c.Down,
	}); err != nil {
		return err
	}
	for _, k := range clientKeys {
		delete(raw, k)
	}
	c.extra = raw
	return nil
}

func (c ClientRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.extra)+len(clientKeys))
	for k, v := range c.extra {
		out[k] = v
	}
	out["id"] = c.ID
	out["email"] = c.Email
	out["flow"] = c.Flow
	out["limitIp"] = c.LimitIP
	out["totalGB"] = c.TotalGB
	out["expiryTime"] = c.ExpiryTime
	out["enable"] = c.Enable
	out["up"] = c.Up
	out["down"] = c.Down
	return json.Marshal(out)
}

// TotalTraffic is the cumulative uplink plus downlink byte count.
func (c ClientRecord) TotalTraffic() int64 {
	return c.Up + c.Down
}

func decodeKnown(raw map[string]json.RawMessage, fields map[string]any) error {
	for key, dst := range fields {
		v, ok := raw[key]
		if !ok || string(v) == "null" {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
	}
	return nil
}
