package models

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ServerConfig is a tenant's provisioned tool server. Token is the opaque
// capability carried in the gateway URL and never changes.
type ServerConfig struct {
	ID            string         `json:"id"`
	Token         string         `json:"token"`
	OwnerID       string         `json:"owner_id"`
	Name          string         `json:"name,omitempty"`
	InstalledApps []InstalledApp `json:"installed_apps"`
}

// InstalledApp binds one app instance to a server.
type InstalledApp struct {
	ID            string        `json:"id"`
	AppName       string        `json:"app_name"`
	SelectedTools ToolSelection `json:"selected_tools"`
	ConnectionID  string        `json:"connection_id,omitempty"`
}

// ToolSelection is either every tool of an app or an explicit subset.
// It marshals as the string "all" or as an array of tool names.
type ToolSelection struct {
	All   bool
	Names []string
}

// AllTools selects every tool an app exposes.
func AllTools() ToolSelection {
	return ToolSelection{All: true}
}

// SelectTools selects exactly the named tools.
func SelectTools(names ...string) ToolSelection {
	return ToolSelection{Names: names}
}

// Includes reports whether the named tool is selected.
func (s ToolSelection) Includes(name string) bool {
	return s.All || slices.Contains(s.Names, name)
}

func (s ToolSelection) MarshalJSON() ([]byte, error) {
	if s.All {
		return json.Marshal("all")
	}

	names := s.Names
	if names == nil {
		names = []string{}
	}

	return json.Marshal(names)
}

func (s *ToolSelection) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if str != "all" {
			return fmt.Errorf("invalid tool selection %q", str)
		}

		*s = AllTools()

		return nil
	}

	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("tool selection must be \"all\" or a list of names: %w", err)
	}

	*s = ToolSelection{Names: names}

	return nil
}

// TenantSettings are owner-level preferences that shape tool execution.
type TenantSettings struct {
	LoggingEnabled bool `json:"logging_enabled"`
	AutoRetry      bool `json:"auto_retry"`
}
