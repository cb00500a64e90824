package provisioning

import (
	"errors"

	"github.com/EternisAI/silo-orchestrator/internal/hetzner"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrInstanceNotFound = errors.New("instance not found")
)

// TimeoutMessage is recorded on instances that never became ready.
const TimeoutMessage = "Provisioning took too long. Please retry, the next attempt usually succeeds."

const genericMessage = "Something went wrong while setting up your agent. Please try again."

var resourceMessages = map[string]string{
	"resource_limit_exceeded": "We have reached our server capacity. Please try again later or pick another region.",
	"placement_error":         "No capacity is available in this region right now. Please choose another region.",
	"uniqueness_error":        "A previous attempt is still being cleaned up. Please retry in a minute.",
	"invalid_input":           "The server request was rejected. Please contact support.",
	"forbidden":               "The server request was rejected. Please contact support.",
}

// FriendlyMessage turns an orchestration error into a short message safe to
// show users. Provider codes and response bodies never pass through.
func FriendlyMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, hetzner.ErrRateLimited):
		return "The cloud provider is busy right now. Please try again in a few minutes."
	case errors.Is(err, hetzner.ErrActionTimeout):
		return "The cloud provider took too long to respond. Please try again."
	case errors.Is(err, hetzner.ErrActionFailed):
		return "The cloud provider could not complete the operation. Please try again."
	}
	if msg, ok := resourceMessages[hetzner.ErrorCode(err)]; ok {
		return msg
	}
	return genericMessage
}
