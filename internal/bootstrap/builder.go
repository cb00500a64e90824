package bootstrap

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	cloudConfigHeader = "#cloud-config\n"
	systemdUnitDir    = "/etc/systemd/system"
)

var (
	ErrHeredoc         = errors.New("runcmd argument contains a here-document marker")
	ErrRelativePath    = errors.New("file path must be absolute")
	ErrDuplicatePath   = errors.New("file path written twice")
	ErrBadPermissions  = errors.New("permissions must be a four digit octal string")
	ErrEmptyCommand    = errors.New("runcmd entry has no arguments")
	ErrInvalidUnitName = errors.New("invalid unit name")
)

var (
	permissionsPattern = regexp.MustCompile(`^0[0-7]{3}$`)
	unitNamePattern    = regexp.MustCompile(`^[a-zA-Z0-9@._-]+\.(service|socket|timer|path)$`)
)

// File is one entry of the write_files manifest. Content is always emitted
// as a YAML literal block.
type File struct {
	Path        string
	Owner       string
	Permissions string
	Content     string
	// Defer writes the file in the final boot stage, after users exist.
	Defer bool
}

type Unit struct {
	Name    string
	Content string
}

// Rule opens one inbound port. Everything else is denied.
type Rule struct {
	Port  int
	Proto string
}

type User struct {
	Name    string
	System  bool
	HomeDir string
	Shell   string
}

// CloudConfig is a typed first-boot payload. Commands are argv lists and are
// never joined into shell strings by the builder.
type CloudConfig struct {
	Packages          []string
	Users             []User
	SSHAuthorizedKeys []string
	WriteFiles        []File
	Units             []Unit
	Firewall          []Rule
	RunCmd            [][]string
}

func (c *CloudConfig) AddFile(f File) {
	c.WriteFiles = append(c.WriteFiles, f)
}

func (c *CloudConfig) AddUnit(name, content string) {
	c.Units = append(c.Units, Unit{Name: name, Content: content})
}

func (c *CloudConfig) Run(argv ...string) {
	c.RunCmd = append(c.RunCmd, argv)
}

func (c *CloudConfig) Validate() error {
	seen := make(map[string]bool)
	for _, f := range c.allFiles() {
		if !path.IsAbs(f.Path) {
			return fmt.Errorf("%w: %s", ErrRelativePath, f.Path)
		}
		if seen[f.Path] {
			return fmt.Errorf("%w: %s", ErrDuplicatePath, f.Path)
		}
		seen[f.Path] = true
		if f.Permissions != "" && !permissionsPattern.MatchString(f.Permissions) {
			return fmt.Errorf("%w: %s has %q", ErrBadPermissions, f.Path, f.Permissions)
		}
	}
	for _, u := range c.Units {
		if !unitNamePattern.MatchString(u.Name) {
			return fmt.Errorf("%w: %q", ErrInvalidUnitName, u.Name)
		}
	}
	for _, argv := range c.commands() {
		if len(argv) == 0 {
			return ErrEmptyCommand
		}
		for _, arg := range argv {
			if strings.Contains(arg, "<<") {
				return fmt.Errorf("%w: %q", ErrHeredoc, argv[0])
			}
		}
	}
	return nil
}

// Render validates the payload and serializes it as cloud-config YAML.
func (c *CloudConfig) Render() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	doc := mapping()
	doc.add("package_update", boolNode(true))
	if len(c.Packages) > 0 {
		doc.add("packages", stringSeq(c.Packages))
	}
	if len(c.Users) > 0 {
		users := seq(str("default"))
		for _, u := range c.Users {
			entry := mapping()
			entry.add("name", str(u.Name))
			if u.System {
				entry.add("system", boolNode(true))
			}
			if u.HomeDir != "" {
				entry.add("homedir", str(u.HomeDir))
			}
			if u.Shell != "" {
				entry.add("shell", str(u.Shell))
			}
			users.Content = append(users.Content, entry.Node)
		}
		doc.add("users", users)
	}
	if len(c.SSHAuthorizedKeys) > 0 {
		doc.add("ssh_authorized_keys", stringSeq(c.SSHAuthorizedKeys))
	}

	files := seq()
	for _, f := range c.allFiles() {
		entry := mapping()
		entry.add("path", str(f.Path))
		if f.Owner != "" {
			entry.add("owner", str(f.Owner))
		}
		if f.Permissions != "" {
			entry.add("permissions", quoted(f.Permissions))
		}
		if f.Defer {
			entry.add("defer", boolNode(true))
		}
		entry.add("content", literal(f.Content))
		files.Content = append(files.Content, entry.Node)
	}
	if len(files.Content) > 0 {
		doc.add("write_files", files)
	}

	runcmd := seq()
	for _, argv := range c.commands() {
		runcmd.Content = append(runcmd.Content, stringSeq(argv))
	}
	if len(runcmd.Content) > 0 {
		doc.add("runcmd", runcmd)
	}

	var buf bytes.Buffer
	buf.WriteString(cloudConfigHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc.Node); err != nil {
		return nil, fmt.Errorf("failed to encode cloud-config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode cloud-config: %w", err)
	}
	return buf.Bytes(), nil
}

// allFiles returns the manifest with unit files appended under the systemd
// unit directory.
func (c *CloudConfig) allFiles() []File {
	files := make([]File, 0, len(c.WriteFiles)+len(c.Units))
	files = append(files, c.WriteFiles...)
	for _, u := range c.Units {
		files = append(files, File{
			Path:        path.Join(systemdUnitDir, u.Name),
			Owner:       "root:root",
			Permissions: "0644",
			Content:     u.Content,
		})
	}
	return files
}

// commands returns firewall setup, then the caller's commands, then unit
// activation.
func (c *CloudConfig) commands() [][]string {
	var cmds [][]string
	if len(c.Firewall) > 0 {
		cmds = append(cmds,
			[]string{"ufw", "default", "deny", "incoming"},
			[]string{"ufw", "default", "allow", "outgoing"},
		)
		for _, r := range c.Firewall {
			proto := r.Proto
			if proto == "" {
				proto = "tcp"
			}
			cmds = append(cmds, []string{"ufw", "allow", strconv.Itoa(r.Port) + "/" + proto})
		}
		cmds = append(cmds, []string{"ufw", "--force", "enable"})
	}
	cmds = append(cmds, c.RunCmd...)
	if len(c.Units) > 0 {
		cmds = append(cmds, []string{"systemctl", "daemon-reload"})
		for _, u := range c.Units {
			cmds = append(cmds, []string{"systemctl", "enable", "--now", u.Name})
		}
	}
	return cmds
}

type mapNode struct {
	*yaml.Node
}

func mapping() mapNode {
	return mapNode{&yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}}
}

func (m mapNode) add(key string, value *yaml.Node) {
	m.Content = append(m.Content, str(key), value)
}

func seq(items ...*yaml.Node) *yaml.Node {
	return &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Content: items}
}

func stringSeq(values []string) *yaml.Node {
	node := seq()
	for _, v := range values {
		node.Content = append(node.Content, str(v))
	}
	node.Style = yaml.FlowStyle
	return node
}

func str(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func quoted(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v, Style: yaml.SingleQuotedStyle}
}

func literal(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v, Style: yaml.LiteralStyle}
}

func boolNode(v bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(v)}
}
