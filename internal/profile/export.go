// export.go - YAML host export and import
// Folders of hosts without secrets, for backup and moving profiles
// between machines
package profile

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ExportFolder is a folder of hosts in the export file
type ExportFolder struct {
	FolderName string       `yaml:"folder_name"`
	Hosts      []ExportHost `yaml:"hosts"`
}

// ExportHost is one host in the export file. Passwords are never written;
// a key is referenced by its display name.
type ExportHost struct {
	DisplayName string `yaml:"display_name"`
	Protocol    string `yaml:"protocol"`
	Host        string `yaml:"host"`
	Port        string `yaml:"port"`
	Username    string `yaml:"username,omitempty"`
	AuthType    string `yaml:"auth_type,omitempty"` // "ask", "password", "key"
	KeyName     string `yaml:"key_name,omitempty"`

	TerminalType      string        `yaml:"terminal_type,omitempty"`
	StartupCommand    string        `yaml:"startup_command,omitempty"`
	CloseOnDisconnect bool          `yaml:"close_on_disconnect,omitempty"`
	AgentForwarding   bool          `yaml:"agent_forwarding,omitempty"`
	LocalForward      []PortForward `yaml:"local_forward,omitempty"`
	RemoteForward     []PortForward `yaml:"remote_forward,omitempty"`
}

const exportHeader = "# tabterm hosts export\n" +
	"# Passwords are not exported; hosts using one are imported as ask\n" +
	"# Keys are matched by display name against the importing store\n\n"

func authTypeToString(t CredentialType) string {
	switch t {
	case Password:
		return "password"
	case PrivateKey:
		return "key"
	default:
		return "ask"
	}
}

// ExportYAML writes every listed host, grouped by folder, to path
func (p *Profiles) ExportYAML(path string) error {
	folders, _, err := p.Folders()
	if err != nil {
		return err
	}

	out := make([]ExportFolder, 0, len(folders))
	for _, f := range folders {
		ef := ExportFolder{FolderName: f.Name, Hosts: []ExportHost{}}
		for _, h := range f.Hosts {
			ef.Hosts = append(ef.Hosts, hostToExport(h))
		}
		out = append(out, ef)
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal hosts: %w", err)
	}
	data = append([]byte(exportHeader), data...)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}

	log.Printf("Profiles: exported %d folders to %s", len(out), path)
	return nil
}

func hostToExport(h *Host) ExportHost {
	e := ExportHost{
		DisplayName:       h.DisplayName,
		Protocol:          h.Protocol.String(),
		Host:              h.Hostname,
		Port:              strconv.Itoa(h.EffectivePort()),
		Username:          h.Username,
		AuthType:          authTypeToString(h.Credential.Type),
		TerminalType:      h.Settings.TerminalType,
		StartupCommand:    h.Settings.StartupCommand,
		CloseOnDisconnect: h.Settings.CloseOnDisconnect,
		AgentForwarding:   h.Settings.AgentForwarding,
		LocalForward:      h.Settings.LocalForward,
		RemoteForward:     h.Settings.RemoteForward,
	}
	if h.Credential.Type == PrivateKey {
		e.KeyName = h.Credential.Name
	}
	return e
}

// ImportYAML saves every host in the file as a new host and returns how many were saved
func (p *Profiles) ImportYAML(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read import file: %w", err)
	}

	var folders []ExportFolder
	if err := yaml.Unmarshal(data, &folders); err != nil {
		return 0, fmt.Errorf("failed to parse hosts YAML: %w", err)
	}

	keyList, err := p.Keys()
	if err != nil {
		return 0, err
	}
	keyByName := map[string]int{}
	for _, k := range keyList {
		if _, dup := keyByName[k.Name]; !dup {
			keyByName[k.Name] = k.ID
		}
	}

	saved := 0
	for _, f := range folders {
		for _, e := range f.Hosts {
			h, err := exportToHost(f.FolderName, e)
			if err != nil {
				log.Printf("Profiles: import skipping %q: %v", e.DisplayName, err)
				continue
			}
			if ParseCredentialType(e.AuthType) == PrivateKey {
				if id, ok := keyByName[e.KeyName]; ok {
					h.Credential = Credential{ID: id, Type: PrivateKey}
				}
			}
			if _, err := p.SaveNew(h); err != nil {
				return saved, err
			}
			saved++
		}
	}

	log.Printf("Profiles: imported %d hosts from %s", saved, path)
	return saved, nil
}

func exportToHost(folder string, e ExportHost) (*Host, error) {
	h := NewHost()
	if e.Protocol != "" {
		if err := h.SetProtocol(e.Protocol); err != nil {
			return nil, err
		}
	}
	if e.Host == "" && h.Protocol != LocalShell {
		return nil, fmt.Errorf("missing host")
	}
	port := 0
	if e.Port != "" {
		p, err := strconv.Atoi(e.Port)
		if err != nil {
			return nil, fmt.Errorf("bad port %q", e.Port)
		}
		port = p
	}

	h.Hostname = e.Host
	h.SetPort(port)
	h.DisplayName = e.DisplayName
	h.Folder = folder
	if h.Protocol == SSH {
		h.Username = e.Username
	}
	if e.TerminalType != "" {
		h.Settings.TerminalType = e.TerminalType
	}
	h.Settings.StartupCommand = e.StartupCommand
	h.Settings.CloseOnDisconnect = e.CloseOnDisconnect
	h.Settings.AgentForwarding = e.AgentForwarding
	h.Settings.LocalForward = e.LocalForward
	h.Settings.RemoteForward = e.RemoteForward
	return h, nil
}
