package hetzner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const (
	ActionStatusRunning = "running"
	ActionStatusSuccess = "success"
	ActionStatusError   = "error"
)

type Action struct {
	ID           string
	Command      string
	Status       string
	Progress     int
	ErrorCode    string
	ErrorMessage string
}

type actionSchema struct {
	ID       int64  `json:"id"`
	Command  string `json:"command"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a actionSchema) toAction() *Action {
	action := &Action{
		ID:       strconv.FormatInt(a.ID, 10),
		Command:  a.Command,
		Status:   a.Status,
		Progress: a.Progress,
	}
	if a.Error != nil {
		action.ErrorCode = a.Error.Code
		action.ErrorMessage = a.Error.Message
	}
	return action
}

func (c *Client) GetAction(ctx context.Context, id string) (*Action, error) {
	var resp struct {
		Action actionSchema `json:"action"`
	}
	if err := c.do(ctx, http.MethodGet, "/actions/"+id, nil, &resp); err != nil {
		return nil, fmt.Errorf("get action %s: %w", id, err)
	}
	return resp.Action.toAction(), nil
}

// PollAction waits for an action to finish, checking every interval for at
// most maxRetries checks. An action in error state fails immediately with
// ErrActionFailed; running out of checks returns ErrActionTimeout.
func (c *Client) PollAction(ctx context.Context, actionID string, interval time.Duration, maxRetries int) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		action, err := c.GetAction(ctx, actionID)
		if err != nil {
			return err
		}

		switch action.Status {
		case ActionStatusSuccess:
			return nil
		case ActionStatusError:
			slog.Warn("Provider action failed",
				"action_id", actionID,
				"command", action.Command,
				"code", action.ErrorCode,
				"message", action.ErrorMessage)
			return fmt.Errorf("%w: %s %s: %s", ErrActionFailed, action.Command, action.ErrorCode, action.ErrorMessage)
		}

		if attempt < maxRetries-1 {
			if err := c.sleep(ctx, interval); err != nil {
				return fmt.Errorf("poll action %s: %w", actionID, err)
			}
		}
	}
	return fmt.Errorf("%w: action %s after %d checks", ErrActionTimeout, actionID, maxRetries)
}

// WaitForServerStatus polls the server until it reports status, with the
// same check budget as PollAction. A shutdown action reports success once the
// ACPI signal is sent, not when the guest is off.
func (c *Client) WaitForServerStatus(ctx context.Context, id, status string, interval time.Duration, maxRetries int) error {
	last := ""
	for attempt := 0; attempt < maxRetries; attempt++ {
		server, err := c.GetServer(ctx, id)
		if err != nil {
			return err
		}
		if server.Status == status {
			return nil
		}
		last = server.Status

		if attempt < maxRetries-1 {
			if err := c.sleep(ctx, interval); err != nil {
				return fmt.Errorf("wait for server %s: %w", id, err)
			}
		}
	}
	return fmt.Errorf("%w: server %s still %s after %d checks", ErrActionTimeout, id, last, maxRetries)
}
