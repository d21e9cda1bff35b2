// Package config parses the client and server TOML configuration
// files, and provides the byte-stream establishment helper (direct TCP
// dial or SSH tunnel) that the client uses to reach the server.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ClientConfig is the top-level client configuration file shape.
type ClientConfig struct {
	Name     string         `toml:"name"`
	Server   ServerAddr     `toml:"server"`
	CopyTo   CopyToServer   `toml:"copy_to_server"`
	Watching WatchingConfig `toml:"watching"`
}

// ServerAddr is either a plain TCP address or an SSH tunnel spec. Both
// being set is not validated; SSHTunnel wins over Address when present.
type ServerAddr struct {
	Address   string           `toml:"address"`
	SSHTunnel *SSHTunnelConfig `toml:"ssh-tunnel"`
}

// SSHTunnelConfig describes an SSH host used to reach a server that is
// not directly reachable over a plain TCP address: the client
// authenticates to Host and opens a direct-tcpip channel to
// RemoteAddress as seen from that host, in place of a TCP dial.
type SSHTunnelConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port,omitempty"`
	User          string `toml:"user"`
	RemoteAddress string `toml:"remote_address"`

	// Auth, in priority order: IdentityFile, then Password, then the
	// running ssh-agent.
	IdentityFile           string `toml:"identity_file,omitempty"`
	IdentityFilePassphrase string `toml:"identity_file_passphrase,omitempty"`
	Password               string `toml:"password,omitempty"`

	// TrustedHostKey is a single authorized-key-format public key the
	// host must present; if empty, the host key is not verified.
	TrustedHostKey string `toml:"trusted_host_key,omitempty"`
}

// CopyToServer selects how the client materializes a file the server
// is Expecting.
type CopyToServer struct {
	Move    *MoveConfig    `toml:"move"`
	Copy    *CopyConfig    `toml:"copy"`
	Command *CommandConfig `toml:"command"`
}

// RequiresCleanup reports whether the client must remove its local
// source file after a successful Received receipt. Move needs no
// cleanup (the file is gone from its original location already); Copy
// and Command do.
func (c CopyToServer) RequiresCleanup() bool {
	return c.Move == nil
}

// MoveConfig moves the source file into dir on the same filesystem.
type MoveConfig struct {
	MoveInSameFsTo string `toml:"move_in_same_fs_to"`
}

// CopyConfig copies the source file into dir.
type CopyConfig struct {
	Destination string `toml:"destination"`
}

// CommandConfig runs an external command to deliver the file; argv
// entries may contain {server_filename} and {client_path} tokens.
type CommandConfig struct {
	Argv []string `toml:"argv"`
}

// WatchingConfig configures the client directory watcher.
type WatchingConfig struct {
	Directory           string `toml:"directory"`
	Extension           string `toml:"extension"`
	LastModifSecs       int    `toml:"last_modif_secs"`
	RefreshEverySecs    int    `toml:"refresh_every_secs"`
	MaxConcurrentHashes int    `toml:"max_concurrent_hashes"`
	FullHash            bool   `toml:"full_hash"`
}

// StatusAfterProcessing is the server's configured terminal status for
// a successfully processed file.
type StatusAfterProcessing string

const (
	AfterDone    StatusAfterProcessing = "Done"
	AfterToPrune StatusAfterProcessing = "ToPrune"
	AfterManual  StatusAfterProcessing = "Manual"
)

// ServerConfig is the top-level server configuration file shape.
type ServerConfig struct {
	Address               string                `toml:"address"`
	IncomingDirectory     string                `toml:"incoming_directory"`
	UnixMode              *uint32               `toml:"unix_mode"`
	Processing            []ProcessingStep      `toml:"processing"`
	StatusAfterProcessing StatusAfterProcessing `toml:"status_after_processing"`
	RetryTasksEverySecs   int                   `toml:"retry_tasks_every_secs"`
	PruneEverySecs        int                   `toml:"prune_every_secs"`
	Concurrency           ConcurrencyConfig     `toml:"concurrency"`
	RegistryPath          string                `toml:"registry_path"`
}

// ConcurrencyConfig bounds the two semaphores shared across all server
// connections.
type ConcurrencyConfig struct {
	MaxHashes     int `toml:"max_hashes"`
	MaxProcessing int `toml:"max_processing"`
}

// ProcessingStepKind discriminates a processing step's variant.
type ProcessingStepKind string

const (
	StepCommand         ProcessingStepKind = "command"
	StepCreateDirectory ProcessingStepKind = "create_directory"
	StepDeleteFile      ProcessingStepKind = "delete_file"
	StepDeleteDirectory ProcessingStepKind = "delete_directory"
)

// ProcessingStep is either an external command (argv) or a typed
// filesystem directive.
type ProcessingStep struct {
	Type ProcessingStepKind `toml:"type"`
	Argv []string           `toml:"argv,omitempty"`
	Path string             `toml:"path,omitempty"`
}

// Validate checks that a step carries the fields its Type requires.
func (s ProcessingStep) Validate() error {
	switch s.Type {
	case StepCommand:
		if len(s.Argv) == 0 {
			return errors.New("processing step of type command requires a non-empty argv")
		}
	case StepCreateDirectory, StepDeleteFile, StepDeleteDirectory:
		if s.Path == "" {
			return errors.Errorf("processing step of type %s requires a path", s.Type)
		}
	default:
		return errors.Errorf("unknown processing step type %q", s.Type)
	}
	return nil
}

// LoadClientConfig decodes a client TOML configuration file.
func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return ClientConfig{}, errors.Wrapf(err, "decoding client config %q", path)
	}
	return cfg, nil
}

// LoadServerConfig decodes a server TOML configuration file and
// validates its processing steps.
func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return ServerConfig{}, errors.Wrapf(err, "decoding server config %q", path)
	}
	for i, step := range cfg.Processing {
		if err := step.Validate(); err != nil {
			return ServerConfig{}, errors.Wrapf(err, "processing step %d", i)
		}
	}
	switch cfg.StatusAfterProcessing {
	case AfterDone, AfterToPrune, AfterManual:
	default:
		return ServerConfig{}, errors.Errorf("unknown status_after_processing %q", cfg.StatusAfterProcessing)
	}
	return cfg, nil
}
