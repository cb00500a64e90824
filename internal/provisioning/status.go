package provisioning

import (
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/models"
)

// Label is a user-facing provisioning phase.
type Label string

const (
	LabelQueued      Label = "queued"
	LabelCreating    Label = "creating"
	LabelInstalling  Label = "installing"
	LabelConfiguring Label = "configuring"
	LabelRunning     Label = "running"
)

// Labels lists every phase in display order.
var Labels = []Label{LabelQueued, LabelCreating, LabelInstalling, LabelConfiguring, LabelRunning}

type LabelState string

const (
	LabelDone    LabelState = "done"
	LabelActive  LabelState = "active"
	LabelPending LabelState = "pending"
	LabelFailed  LabelState = "failed"
)

type StepLabel struct {
	Label Label      `json:"label"`
	State LabelState `json:"state"`
}

type StatusView struct {
	Instance      *models.Instance
	Steps         []StepLabel
	UptimeSeconds int64
}

// LabelFor maps a status and boot step to the phase shown to users. Failed
// instances keep the step they failed at.
func LabelFor(status models.Status, step models.Step) Label {
	switch status {
	case models.StatusPending:
		return LabelQueued
	case models.StatusProvisioning, models.StatusFailed:
		return labelForStep(step)
	case models.StatusRunning, models.StatusStopping, models.StatusStopped:
		return LabelRunning
	}
	return LabelQueued
}

func labelForStep(step models.Step) Label {
	switch step {
	case models.StepNone, models.StepVMBooting:
		return LabelCreating
	case models.StepInstallingPackages:
		return LabelInstalling
	case models.StepCaddyUp, models.StepVerifyingChat:
		return LabelConfiguring
	}
	return LabelCreating
}

// StepsFor derives the ordered phase list for an instance.
func StepsFor(instance *models.Instance) []StepLabel {
	current := LabelFor(instance.Status, instance.CurrentStep)
	finished := instance.Status == models.StatusRunning ||
		instance.Status == models.StatusStopping ||
		instance.Status == models.StatusStopped

	steps := make([]StepLabel, len(Labels))
	reached := false
	for i, l := range Labels {
		state := LabelPending
		switch {
		case finished:
			state = LabelDone
		case l == current:
			state = LabelActive
			if instance.Status == models.StatusFailed {
				state = LabelFailed
			}
			reached = true
		case !reached:
			state = LabelDone
		}
		steps[i] = StepLabel{Label: l, State: state}
	}
	return steps
}

// Uptime is the time since the instance last started, or zero when it is
// not running.
func Uptime(instance *models.Instance, now time.Time) time.Duration {
	if instance.Status != models.StatusRunning || instance.StartedAt == nil {
		return 0
	}
	if d := now.Sub(*instance.StartedAt); d > 0 {
		return d
	}
	return 0
}
