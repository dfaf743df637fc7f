package domain

import (
	"strings"
	"time"
)

// Project is a user's generated landing page.
type Project struct {
	ID               string
	OwnerID          string
	Name             string
	InitialPrompt    string
	CustomDomain     string
	CurrentCode      string
	CurrentVersionID string
	IsPublished      bool
	Deploy           DeployMetadata
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasCustomDomain reports whether a non-blank custom domain is configured.
func (p Project) HasCustomDomain() bool {
	return strings.TrimSpace(p.CustomDomain) != ""
}

// HasCode reports whether the project carries non-blank HTML.
func (p Project) HasCode() bool {
	return strings.TrimSpace(p.CurrentCode) != ""
}

// DeployMetadata is the denormalized view of the last successful deploy.
// Zero value means the project is not known to be deployed.
type DeployMetadata struct {
	Domain     string     `json:"domain,omitempty"`
	ServerIP   string     `json:"serverIp,omitempty"`
	DeployedAt *time.Time `json:"deployedAt,omitempty"`
}

// ProjectVersion is an immutable snapshot of a project's HTML.
type ProjectVersion struct {
	ID          string
	ProjectID   string
	Code        string
	Description string
	CreatedAt   time.Time
}
