package models

import (
	"encoding/json"
	"time"
)

// DeploymentDetails describes the uploaded artifact once extracted.
type DeploymentDetails struct {
	FileName     string            `json:"file_name"`
	FileList     []string          `json:"file_list,omitempty"`
	Manifest     json.RawMessage   `json:"manifest,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// ExternalConfig holds configuration supplied by the config analysis collaborator.
type ExternalConfig struct {
	RequiresDatabase bool   `json:"requires_database"`
	DatabaseKind     string `json:"database_kind,omitempty"` // "mongodb", "postgres", "mysql", "redis"
	ConnectionString string `json:"connection_string,omitempty"`
	// EnvKey is the variable the connection string is injected as. Defaults to DATABASE_URL.
	EnvKey string `json:"env_key,omitempty"`
}

// Env returns the environment variables the worker should receive.
func (c *ExternalConfig) Env() map[string]string {
	if c == nil || c.ConnectionString == "" {
		return nil
	}
	key := c.EnvKey
	if key == "" {
		key = "DATABASE_URL"
	}
	env := map[string]string{key: c.ConnectionString}
	if key != "DATABASE_URL" {
		env["DATABASE_URL"] = c.ConnectionString
	}
	return env
}

// Redacted returns a copy safe to hand to API callers.
func (c *ExternalConfig) Redacted() *ExternalConfig {
	if c == nil {
		return nil
	}
	out := *c
	if out.ConnectionString != "" {
		out.ConnectionString = "***"
	}
	return &out
}

// DeploymentSnapshot is a point-in-time read of a deployment.
type DeploymentSnapshot struct {
	ServerID       string            `json:"server_id"`
	DeploymentID   string            `json:"deployment_id"`
	ServerName     string            `json:"server_name,omitempty"`
	Stage          Stage             `json:"stage"`
	Status         string            `json:"status"`
	Error          string            `json:"error,omitempty"`
	IsDeploying    bool              `json:"is_deploying"`
	Details        DeploymentDetails `json:"details"`
	ExternalConfig *ExternalConfig   `json:"external_config,omitempty"`
	PID            int               `json:"pid,omitempty"`
	Port           int               `json:"port,omitempty"`
	Command        string            `json:"command,omitempty"`
	Restarts       int               `json:"restarts"`
	Logs           []LogLine         `json:"logs"`
	QR             *LogLine          `json:"qr,omitempty"`
	Actions        []Action          `json:"actions"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
}

// DeploymentRecord is the durable form of a deployment held by the persistence collaborator.
type DeploymentRecord struct {
	ServerID       string            `json:"server_id"`
	DeploymentID   string            `json:"deployment_id"`
	ServerName     string            `json:"server_name"`
	Dir            string            `json:"dir"`
	Stage          Stage             `json:"stage"`
	Status         string            `json:"status"`
	Error          string            `json:"error,omitempty"`
	Details        DeploymentDetails `json:"details"`
	ExternalConfig *ExternalConfig   `json:"external_config,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// DeploymentKey identifies a deployment within a tenant.
type DeploymentKey struct {
	ServerID     string `json:"server_id"`
	DeploymentID string `json:"deployment_id"`
}

// String returns "serverID/deploymentID".
func (k DeploymentKey) String() string {
	return k.ServerID + "/" + k.DeploymentID
}
