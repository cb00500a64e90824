package hetzner

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
)

// Server statuses reported by the provider.
const (
	ServerStatusInitializing = "initializing"
	ServerStatusStarting     = "starting"
	ServerStatusRunning      = "running"
	ServerStatusStopping     = "stopping"
	ServerStatusOff          = "off"
)

type Server struct {
	ID       string
	Name     string
	Status   string
	PublicIP string
}

type CreateServerOpts struct {
	Name     string
	Location string
	UserData string
	Labels   map[string]string
}

type serverSchema struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	PublicNet struct {
		IPv4 *struct {
			IP string `json:"ip"`
		} `json:"ipv4"`
	} `json:"public_net"`
}

func (s serverSchema) toServer() *Server {
	server := &Server{
		ID:     strconv.FormatInt(s.ID, 10),
		Name:   s.Name,
		Status: s.Status,
	}
	if s.PublicNet.IPv4 != nil {
		server.PublicIP = s.PublicNet.IPv4.IP
	}
	return server
}

type createServerRequest struct {
	Name             string            `json:"name"`
	ServerType       string            `json:"server_type"`
	Image            string            `json:"image"`
	Location         string            `json:"location"`
	UserData         string            `json:"user_data,omitempty"`
	SSHKeys          []string          `json:"ssh_keys,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	StartAfterCreate bool              `json:"start_after_create"`
}

// CreateServer creates a machine and returns it with the provider action
// tracking its creation.
func (c *Client) CreateServer(ctx context.Context, opts CreateServerOpts) (*Server, *Action, error) {
	location := opts.Location
	if location == "" {
		location = DefaultLocation
	}
	req := createServerRequest{
		Name:             opts.Name,
		ServerType:       c.cfg.ServerType,
		Image:            c.cfg.Image,
		Location:         location,
		UserData:         opts.UserData,
		SSHKeys:          c.cfg.SSHKeys,
		Labels:           opts.Labels,
		StartAfterCreate: true,
	}

	var resp struct {
		Server serverSchema  `json:"server"`
		Action *actionSchema `json:"action"`
	}
	if err := c.do(ctx, http.MethodPost, "/servers", req, &resp); err != nil {
		return nil, nil, fmt.Errorf("create server %s: %w", opts.Name, err)
	}

	var action *Action
	if resp.Action != nil {
		action = resp.Action.toAction()
	}
	return resp.Server.toServer(), action, nil
}

func (c *Client) GetServer(ctx context.Context, id string) (*Server, error) {
	var resp struct {
		Server serverSchema `json:"server"`
	}
	if err := c.do(ctx, http.MethodGet, "/servers/"+id, nil, &resp); err != nil {
		return nil, fmt.Errorf("get server %s: %w", id, err)
	}
	return resp.Server.toServer(), nil
}

// DeleteServer removes a machine. A machine that no longer exists counts as
// deleted.
func (c *Client) DeleteServer(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/servers/"+id, nil, nil)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	return nil
}

// ShutdownServer asks the guest OS to power down via ACPI.
func (c *Client) ShutdownServer(ctx context.Context, id string) (*Action, error) {
	return c.serverAction(ctx, id, "shutdown")
}

// PowerOffServer cuts power without waiting for the guest.
func (c *Client) PowerOffServer(ctx context.Context, id string) (*Action, error) {
	return c.serverAction(ctx, id, "poweroff")
}

func (c *Client) PowerOnServer(ctx context.Context, id string) (*Action, error) {
	return c.serverAction(ctx, id, "poweron")
}

func (c *Client) serverAction(ctx context.Context, id, command string) (*Action, error) {
	var resp struct {
		Action actionSchema `json:"action"`
	}
	path := fmt.Sprintf("/servers/%s/actions/%s", id, command)
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("%s server %s: %w", command, id, err)
	}
	return resp.Action.toAction(), nil
}
