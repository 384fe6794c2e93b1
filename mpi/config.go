package mpi

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var ErrNoDispatcher = errors.New("no dispatcher node found")

type config struct {
	User    string `json:"user" toml:"user" yaml:"user"`
	KeyFile string `json:"keyfile" toml:"keyfile" yaml:"keyfile"`
	Verbose bool   `json:"verbose" toml:"verbose" yaml:"verbose"`

	// Read deadline applied to every receive on a TCP connection,
	// e.g. "30s". Empty means receives block forever.
	ReadTimeout string `json:"read_timeout,omitempty" toml:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
}

// Timeout parses ReadTimeout.
func (c *config) Timeout() (time.Duration, error) {
	if c.ReadTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.ReadTimeout)
}

type host struct {
	// The host address
	Address string `json:"address" toml:"address" yaml:"address"`

	// The host role ["dispatcher" | "worker"]
	Role *string `json:"role,omitempty" toml:"role,omitempty" yaml:"role,omitempty"`

	// The directory is where the executable will be as well as
	// where the directory will be changed to. Supports environment
	// variable expansion.
	Directory string `json:"directory" toml:"directory" yaml:"directory"`

	// The name of the executable being run.
	ExeName string `json:"exe_name" toml:"exe_name" yaml:"exe_name"`

	// The optional ssh port of the host (Default 22)
	Port *int `json:"port,omitempty" toml:"port,omitempty" yaml:"port,omitempty"`
}

// PathToExecutable returns the path to the executable file based on
// the provided host configuration.
func (h *host) PathToExecutable() string {
	return filepath.Join(os.ExpandEnv(h.Directory), h.ExeName)
}

// SSHAddress is the host address joined with its ssh port.
func (h *host) SSHAddress() string {
	port := 22
	if h.Port != nil {
		port = *h.Port
	}
	return fmt.Sprintf("%s:%d", h.Address, port)
}

type hostGroup struct {
	Hosts []host `json:"hosts" toml:"hosts" yaml:"hosts"`
}

// decodeFile unmarshals a JSON, TOML or YAML file into v, picking the
// format from the file extension. Unknown extensions are read as JSON.
func decodeFile(filePath string, v any) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".toml":
		err = toml.Unmarshal(data, v)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, v)
	default:
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", filePath, err)
	}
	return nil
}

func NewHostGroup(filePath string) (*hostGroup, error) {
	var group hostGroup
	if err := decodeFile(filePath, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// ArrangeHosts takes the host group and a world pointer and assigns the roles and
// their respective places in the World struct. The dispatcher always ends up
// at rank 0 and the workers follow in file order.
func (hg *hostGroup) ArrangeHosts(world *World) error {
	var dispatcher *host
	workers := make([]host, 0, len(hg.Hosts))
	for _, h := range hg.Hosts {
		// The role is optional, as long as we have a dispatcher node.
		role := "worker"
		if h.Role != nil {
			role = strings.ToLower(*h.Role)
		}

		switch role {
		case "dispatcher":
			if dispatcher != nil {
				return fmt.Errorf("more than one dispatcher: %s and %s", dispatcher.Address, h.Address)
			}
			dispatcher = &h
		case "worker":
			workers = append(workers, h)
		}
	}

	// Make sure that we found a dispatcher node
	if dispatcher == nil {
		return ErrNoDispatcher
	}

	hg.Hosts = append([]host{*dispatcher}, workers...)
	for _, h := range hg.Hosts {
		world.IPPool = append(world.IPPool, h.Address)
		world.rank = append(world.rank, world.size)
		world.size++
	}
	world.Port = make([]uint64, world.size)
	return nil
}

// ParseConfig parses the runtime config file. JSON, TOML and YAML are
// accepted:
//
//	{
//	 "user": "my_username",
//	 "keyfile": "~/.ssh/id_ed25519",
//	 "verbose": true,
//	 "read_timeout": "30s"
//	}
func ParseConfig(configFilePath string) (*config, error) {
	cfg := &config{}
	if err := decodeFile(configFilePath, cfg); err != nil {
		return nil, err
	}

	keyFile, err := homedir.Expand(os.ExpandEnv(cfg.KeyFile))
	if err != nil {
		return nil, err
	}
	cfg.KeyFile = keyFile

	if _, err := cfg.Timeout(); err != nil {
		return nil, fmt.Errorf("read_timeout: %w", err)
	}
	return cfg, nil
}
