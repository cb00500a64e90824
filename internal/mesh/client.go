package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/oauth2/clientcredentials"
	tsclient "tailscale.com/client/tailscale/v2"
)

const (
	defaultBaseURL = "https://api.tailscale.com"
	defaultTailnet = "-"
	defaultTimeout = 10 * time.Second

	meshIPv4Prefix = "100."
)

var ErrNotEnrolled = errors.New("machine has not joined the mesh yet")

type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	BaseURL           string        `mapstructure:"base_url"`
	Tailnet           string        `mapstructure:"tailnet"`
	APIKey            string        `mapstructure:"api_key" json:"-"`
	OAuthClientID     string        `mapstructure:"oauth_client_id"`
	OAuthClientSecret string        `mapstructure:"oauth_client_secret" json:"-"`
	AuthKey           string        `mapstructure:"auth_key" json:"-"`
	Tags              []string      `mapstructure:"tags"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// meshIPv4 returns the device's mesh IPv4 address, or "".
func meshIPv4(d tsclient.Device) string {
	addr, _ := lo.Find(d.Addresses, func(a string) bool { return strings.HasPrefix(a, meshIPv4Prefix) })
	return addr
}

// Client reports mesh enrollment of provisioned machines and removes their
// devices on teardown.
type Client struct {
	cfg Config
	api *tsclient.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Tailnet == "" {
		cfg.Tailnet = defaultTailnet
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mesh base url: %w", err)
	}

	api := &tsclient.Client{
		BaseURL: baseURL,
		Tailnet: cfg.Tailnet,
		HTTP:    &http.Client{Timeout: cfg.RequestTimeout},
	}
	if cfg.OAuthClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     strings.TrimSuffix(cfg.BaseURL, "/") + "/api/v2/oauth/token",
		}
		api.HTTP = cc.Client(context.Background())
		api.HTTP.Timeout = cfg.RequestTimeout
	} else {
		api.APIKey = cfg.APIKey
	}
	return &Client{cfg: cfg, api: api}, nil
}

func (c *Client) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

// AuthKey is the pre-authorized key new machines enroll with.
func (c *Client) AuthKey() string {
	return c.cfg.AuthKey
}

func (c *Client) Tags() []string {
	return c.cfg.Tags
}

func (c *Client) ListDevices(ctx context.Context) ([]tsclient.Device, error) {
	devices, err := c.api.Devices().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// VerifyEnrollment returns the mesh address of the device registered under
// hostname. It returns ErrNotEnrolled until that device has an address.
func (c *Client) VerifyEnrollment(ctx context.Context, hostname string) (string, error) {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return "", err
	}
	device, ok := lo.Find(devices, func(d tsclient.Device) bool {
		return d.Hostname == hostname || strings.HasPrefix(d.Name, hostname+".")
	})
	if !ok {
		return "", ErrNotEnrolled
	}
	ip := meshIPv4(device)
	if ip == "" {
		return "", ErrNotEnrolled
	}
	return ip, nil
}

func (c *Client) DeleteDevice(ctx context.Context, id string) error {
	err := c.api.Devices().Delete(ctx, id)
	if err != nil && !tsclient.IsNotFound(err) {
		return fmt.Errorf("delete device %s: %w", id, err)
	}
	return nil
}

// DeleteDeviceByIP removes the device holding ip. A missing device counts
// as deleted.
func (c *Client) DeleteDeviceByIP(ctx context.Context, ip string) error {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return err
	}
	device, ok := lo.Find(devices, func(d tsclient.Device) bool { return lo.Contains(d.Addresses, ip) })
	if !ok {
		slog.Info("No mesh device holds address, nothing to delete", "ip", ip)
		return nil
	}
	return c.DeleteDevice(ctx, device.ID)
}
