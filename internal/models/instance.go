package models

import (
	"time"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further automatic transition happens from s.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// Active is the complement of Terminal. At most one active instance may
// exist per agent.
func (s Status) Active() bool {
	return !s.Terminal()
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProvisioning, StatusRunning, StatusStopping, StatusStopped, StatusFailed:
		return true
	}
	return false
}

// ActiveStatuses lists every non-terminal status.
var ActiveStatuses = []Status{StatusPending, StatusProvisioning, StatusRunning, StatusStopping}

// Step is the boot pipeline sub-state, meaningful only while provisioning.
type Step string

const (
	StepNone               Step = ""
	StepVMBooting          Step = "vm_booting"
	StepInstallingPackages Step = "installing_packages"
	StepCaddyUp            Step = "caddy_up"
	StepVerifyingChat      Step = "verifying_chat"
)

type Instance struct {
	ID          string
	AgentID     string
	Status      Status
	CurrentStep Step
	ServerID    string
	ServerIP    string
	Region      string
	Location    string
	TailscaleIP string
	Error       string
	StartedAt   *time.Time
	StoppedAt   *time.Time
	DestroyedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ServerName is the provider-side name of the machine backing the instance.
// It doubles as the mesh hostname in the VPN variant.
func (i *Instance) ServerName() string {
	id := i.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "silo-" + id
}
