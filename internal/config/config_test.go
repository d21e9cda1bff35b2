package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadClientConfigDirectAddress(t *testing.T) {
	path := writeConfig(t, `
name = "client-1"

[server]
address = "127.0.0.1:9443"

[copy_to_server.move]
move_in_same_fs_to = "/srv/incoming"

[watching]
directory = "/data/outgoing"
extension = ".mrc"
last_modif_secs = 30
refresh_every_secs = 5
max_concurrent_hashes = 4
full_hash = true
`)

	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.Name != "client-1" {
		t.Fatalf("Name = %q", cfg.Name)
	}
	if cfg.Server.Address != "127.0.0.1:9443" {
		t.Fatalf("Server.Address = %q", cfg.Server.Address)
	}
	if cfg.Server.SSHTunnel != nil {
		t.Fatalf("expected no ssh tunnel configured")
	}
	if cfg.CopyTo.Move == nil || cfg.CopyTo.Move.MoveInSameFsTo != "/srv/incoming" {
		t.Fatalf("CopyTo.Move = %+v", cfg.CopyTo.Move)
	}
	if !cfg.Watching.FullHash {
		t.Fatalf("expected full_hash true")
	}
	if cfg.CopyTo.RequiresCleanup() {
		t.Fatalf("Move copy method should not require cleanup")
	}
}

func TestLoadClientConfigSSHTunnel(t *testing.T) {
	path := writeConfig(t, `
name = "client-1"

[server.ssh-tunnel]
host = "remote-host"
port = 2222
user = "operator"
remote_address = "127.0.0.1:9443"
identity_file = "/home/operator/.ssh/id_ed25519"

[copy_to_server.copy]
destination = "/srv/incoming"

[watching]
directory = "/data/outgoing"
extension = ".mrc"
`)

	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.Server.SSHTunnel == nil {
		t.Fatalf("expected an ssh tunnel configuration")
	}
	if cfg.Server.SSHTunnel.Port != 2222 {
		t.Fatalf("Port = %d", cfg.Server.SSHTunnel.Port)
	}
	if cfg.Server.SSHTunnel.IdentityFile != "/home/operator/.ssh/id_ed25519" {
		t.Fatalf("IdentityFile = %q", cfg.Server.SSHTunnel.IdentityFile)
	}
	if cfg.CopyTo.Copy == nil || !cfg.CopyTo.RequiresCleanup() {
		t.Fatalf("Copy copy method should require cleanup")
	}
}

func TestLoadServerConfigValidatesProcessingSteps(t *testing.T) {
	path := writeConfig(t, `
address = "0.0.0.0:9443"
incoming_directory = "/srv/incoming"
registry_path = "/srv/registry.db"
status_after_processing = "Done"

[[processing]]
type = "command"
`)

	if _, err := LoadServerConfig(path); err == nil {
		t.Fatalf("expected an error for a command step with empty argv")
	}
}

func TestLoadServerConfigRejectsUnknownStatus(t *testing.T) {
	path := writeConfig(t, `
address = "0.0.0.0:9443"
incoming_directory = "/srv/incoming"
registry_path = "/srv/registry.db"
status_after_processing = "Vanished"
`)

	if _, err := LoadServerConfig(path); err == nil {
		t.Fatalf("expected an error for an unknown status_after_processing")
	}
}

func TestLoadServerConfigValid(t *testing.T) {
	path := writeConfig(t, `
address = "0.0.0.0:9443"
incoming_directory = "/srv/incoming"
registry_path = "/srv/registry.db"
status_after_processing = "ToPrune"
retry_tasks_every_secs = 60
prune_every_secs = 300

[concurrency]
max_hashes = 4
max_processing = 2

[[processing]]
type = "command"
argv = ["/usr/local/bin/ingest.sh", "{server_path}"]

[[processing]]
type = "delete_file"
path = "{server_path}"
`)

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.StatusAfterProcessing != AfterToPrune {
		t.Fatalf("StatusAfterProcessing = %q", cfg.StatusAfterProcessing)
	}
	if len(cfg.Processing) != 2 {
		t.Fatalf("expected 2 processing steps, got %d", len(cfg.Processing))
	}
	if cfg.Concurrency.MaxHashes != 4 || cfg.Concurrency.MaxProcessing != 2 {
		t.Fatalf("Concurrency = %+v", cfg.Concurrency)
	}
}

func TestProcessingStepValidate(t *testing.T) {
	cases := []struct {
		name    string
		step    ProcessingStep
		wantErr bool
	}{
		{"command with argv", ProcessingStep{Type: StepCommand, Argv: []string{"true"}}, false},
		{"command without argv", ProcessingStep{Type: StepCommand}, true},
		{"create_directory with path", ProcessingStep{Type: StepCreateDirectory, Path: "/tmp/x"}, false},
		{"create_directory without path", ProcessingStep{Type: StepCreateDirectory}, true},
		{"unknown type", ProcessingStep{Type: "bogus"}, true},
	}
	for _, c := range cases {
		err := c.step.Validate()
		if (err != nil) != c.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", c.name, err, c.wantErr)
		}
	}
}
