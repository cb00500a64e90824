package bootstrap

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"golang.org/x/crypto/ssh"
)

//go:embed templates
var templatesFS embed.FS

const (
	ConfigDir         = "/etc/silo"
	CredentialsDir    = "/var/lib/silo/credentials"
	CredentialsPrefix = "/internal/credentials"
	GatewayAddr       = "127.0.0.1:18789"
	ReceiverAddr      = "127.0.0.1:18790"

	gatewayBinary  = "/usr/local/bin/silo-gateway"
	receiverBinary = "/usr/local/bin/silo-credential-receiver"
	serviceUser    = "silo"
	serviceOwner   = "silo:silo"

	llmProviderManaged = "managed"
)

var (
	ErrMissingToken    = errors.New("gateway token is required")
	ErrInvalidSSHKey   = errors.New("invalid ssh authorized key")
	ErrInvalidProvider = errors.New("invalid credential provider name")
)

var providerPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

type Config struct {
	GatewayURL        string   `mapstructure:"gateway_url" yaml:"gateway_url"`
	ReceiverURL       string   `mapstructure:"receiver_url" yaml:"receiver_url"`
	ManagedLLMBaseURL string   `mapstructure:"managed_llm_base_url" yaml:"managed_llm_base_url"`
	SSHAuthorizedKeys []string `mapstructure:"ssh_authorized_keys" yaml:"ssh_authorized_keys"`
	ExtraPackages     []string `mapstructure:"extra_packages" yaml:"extra_packages"`
}

type LLMRouting struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model,omitempty"`
	BaseURL  string `yaml:"base_url" json:"base_url,omitempty"`
	APIKey   string `yaml:"api_key" json:"api_key,omitempty"`
}

// CredentialFile is a decrypted integration credential written to the
// machine at first boot.
type CredentialFile struct {
	Provider string `yaml:"provider"`
	Content  string `yaml:"content"`
}

type MeshEnrollment struct {
	AuthKey string   `yaml:"auth_key"`
	Tags    []string `yaml:"tags"`
}

type Input struct {
	AgentID      string           `yaml:"agent_id"`
	AgentName    string           `yaml:"agent_name"`
	Hostname     string           `yaml:"hostname"`
	GatewayToken string           `yaml:"gateway_token"`
	LLM          LLMRouting       `yaml:"llm"`
	Credentials  []CredentialFile `yaml:"credentials"`
	Mesh         *MeshEnrollment  `yaml:"mesh"`
}

// Generator renders first-boot payloads. Output depends only on the
// generator config and the Input.
type Generator struct {
	cfg       Config
	templates *template.Template
}

func NewGenerator(cfg Config) (*Generator, error) {
	for _, key := range cfg.SSHAuthorizedKeys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSSHKey, err)
		}
	}

	tmpl, err := template.ParseFS(templatesFS, "templates/*.tmpl", "templates/skills/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse bootstrap templates: %w", err)
	}
	return &Generator{cfg: cfg, templates: tmpl}, nil
}

type templateData struct {
	AgentName         string
	ConfigDir         string
	CredentialsDir    string
	CredentialsPrefix string
	GatewayAddr       string
	ReceiverAddr      string
	GatewayBinary     string
	ReceiverBinary    string
	Integrations      []string
}

func (g *Generator) Generate(in Input) ([]byte, error) {
	cc, err := g.Build(in)
	if err != nil {
		return nil, err
	}
	return cc.Render()
}

// Build assembles the typed payload without serializing it.
func (g *Generator) Build(in Input) (*CloudConfig, error) {
	if in.GatewayToken == "" {
		return nil, ErrMissingToken
	}

	creds := make([]CredentialFile, len(in.Credentials))
	copy(creds, in.Credentials)
	sort.Slice(creds, func(i, j int) bool { return creds[i].Provider < creds[j].Provider })

	integrations := make([]string, 0, len(creds))
	for _, c := range creds {
		if !providerPattern.MatchString(c.Provider) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidProvider, c.Provider)
		}
		integrations = append(integrations, c.Provider)
	}

	data := templateData{
		AgentName:         in.AgentName,
		ConfigDir:         ConfigDir,
		CredentialsDir:    CredentialsDir,
		CredentialsPrefix: CredentialsPrefix,
		GatewayAddr:       GatewayAddr,
		ReceiverAddr:      ReceiverAddr,
		GatewayBinary:     gatewayBinary,
		ReceiverBinary:    receiverBinary,
		Integrations:      integrations,
	}

	caddyfile, err := g.execute("Caddyfile.tmpl", data)
	if err != nil {
		return nil, err
	}
	skill, err := g.execute("integrations.md.tmpl", data)
	if err != nil {
		return nil, err
	}
	llm, err := g.llmConfig(in)
	if err != nil {
		return nil, err
	}

	cc := &CloudConfig{
		Packages:          append([]string{"ca-certificates", "curl", "caddy", "ufw"}, g.cfg.ExtraPackages...),
		Users:             []User{{Name: serviceUser, System: true, HomeDir: "/var/lib/silo", Shell: "/usr/sbin/nologin"}},
		SSHAuthorizedKeys: g.cfg.SSHAuthorizedKeys,
		Firewall:          []Rule{{Port: 22}, {Port: 80}, {Port: 443}},
	}

	cc.AddFile(File{Path: path.Join(ConfigDir, "Caddyfile"), Owner: "root:root", Permissions: "0644", Content: caddyfile})
	cc.AddFile(File{
		Path:        path.Join(ConfigDir, "gateway.env"),
		Owner:       serviceOwner,
		Permissions: "0600",
		Defer:       true,
		Content:     envFile(map[string]string{"GATEWAY_TOKEN": in.GatewayToken, "AGENT_ID": in.AgentID}),
	})
	cc.AddFile(File{
		Path:        path.Join(ConfigDir, "receiver.env"),
		Owner:       serviceOwner,
		Permissions: "0600",
		Defer:       true,
		Content: envFile(map[string]string{
			"RECEIVER_LISTEN_ADDR":     ReceiverAddr,
			"RECEIVER_CREDENTIALS_DIR": CredentialsDir,
			"RECEIVER_GATEWAY_TOKEN":   in.GatewayToken,
		}),
	})
	cc.AddFile(File{Path: path.Join(ConfigDir, "llm.json"), Owner: serviceOwner, Permissions: "0600", Defer: true, Content: llm})
	cc.AddFile(File{Path: path.Join(ConfigDir, "skills", "integrations.md"), Owner: serviceOwner, Permissions: "0644", Defer: true, Content: skill})
	for _, c := range creds {
		cc.AddFile(File{
			Path:        path.Join(CredentialsDir, c.Provider+".json"),
			Owner:       serviceOwner,
			Permissions: "0600",
			Defer:       true,
			Content:     c.Content,
		})
	}

	caddyUnit, err := g.execute("caddy.service.tmpl", data)
	if err != nil {
		return nil, err
	}
	gatewayUnit, err := g.execute("silo-gateway.service.tmpl", data)
	if err != nil {
		return nil, err
	}
	receiverUnit, err := g.execute("silo-receiver.service.tmpl", data)
	if err != nil {
		return nil, err
	}
	cc.AddUnit("caddy.service", caddyUnit)
	cc.AddUnit("silo-receiver.service", receiverUnit)
	cc.AddUnit("silo-gateway.service", gatewayUnit)

	cc.Run("install", "-d", "-o", serviceUser, "-g", serviceUser, "-m", "0700", CredentialsDir)
	if g.cfg.GatewayURL != "" {
		cc.Run("curl", "-fsSL", "--retry", "5", "-o", gatewayBinary, g.cfg.GatewayURL)
		cc.Run("chmod", "0755", gatewayBinary)
	}
	if g.cfg.ReceiverURL != "" {
		cc.Run("curl", "-fsSL", "--retry", "5", "-o", receiverBinary, g.cfg.ReceiverURL)
		cc.Run("chmod", "0755", receiverBinary)
	}

	if in.Mesh != nil {
		cc.Run("sh", "-c", "curl -fsSL https://tailscale.com/install.sh | sh")
		up := []string{"tailscale", "up", "--authkey", in.Mesh.AuthKey, "--hostname", in.Hostname}
		if len(in.Mesh.Tags) > 0 {
			tags := make([]string, len(in.Mesh.Tags))
			copy(tags, in.Mesh.Tags)
			sort.Strings(tags)
			up = append(up, "--advertise-tags", strings.Join(tags, ","))
		}
		cc.Run(up...)
		cc.Run("ufw", "allow", "in", "on", "tailscale0")
	}

	return cc, nil
}

func (g *Generator) execute(name string, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := g.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.String(), nil
}

// llmConfig routes managed agents through the hosted proxy and gives
// bring-your-own-key agents their provider key.
func (g *Generator) llmConfig(in Input) (string, error) {
	routing := in.LLM
	if routing.Provider == "" || routing.Provider == llmProviderManaged {
		routing = LLMRouting{
			Provider: llmProviderManaged,
			Model:    in.LLM.Model,
			BaseURL:  g.cfg.ManagedLLMBaseURL,
		}
	}
	out, err := json.MarshalIndent(routing, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode llm config: %w", err)
	}
	return string(out) + "\n", nil
}

func envFile(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if vars[k] == "" {
			continue
		}
		fmt.Fprintf(&b, "%s=%s\n", k, vars[k])
	}
	return b.String()
}
