package config

import (
	"context"
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	sshagent "github.com/xanzy/ssh-agent"
	"golang.org/x/crypto/ssh"
)

// DialServer establishes the byte stream to the server described by
// addr: a direct TCP dial, or, when an SSH tunnel is configured, an
// authenticated SSH connection to the tunnel host followed by a
// direct-tcpip channel to RemoteAddress, the same ssh.Client idiom an
// embedded SSH client builds its sessions with.
func DialServer(ctx context.Context, addr ServerAddr) (net.Conn, error) {
	if addr.SSHTunnel != nil {
		return dialViaSSHTunnel(ctx, *addr.SSHTunnel)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing server at %q", addr.Address)
	}
	return conn, nil
}

func dialViaSSHTunnel(ctx context.Context, cfg SSHTunnelConfig) (net.Conn, error) {
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	hostAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	auth, err := sshAuthMethods(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "configuring auth for ssh host %q", cfg.Host)
	}
	hostKeyCallback, err := sshHostKeyCallback(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "configuring host key check for ssh host %q", cfg.Host)
	}
	sshConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing ssh host %q", hostAddr)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, hostAddr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "establishing ssh connection to %q", hostAddr)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	tunneled, err := client.Dial("tcp", cfg.RemoteAddress)
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "opening direct-tcpip channel to %q via %q", cfg.RemoteAddress, hostAddr)
	}
	return tunneled, nil
}

// sshAuthMethods builds the auth method list for cfg, in priority
// order: a configured identity file, then a configured password, then
// whatever identities the running ssh-agent offers.
func sshAuthMethods(cfg SSHTunnelConfig) ([]ssh.AuthMethod, error) {
	switch {
	case cfg.IdentityFile != "":
		signer, err := loadIdentitySigner(cfg.IdentityFile, cfg.IdentityFilePassphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case cfg.Password != "":
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil

	default:
		agentClient, _, err := sshagent.New()
		if err != nil {
			return nil, errors.Wrap(err, "no identity_file or password configured and couldn't connect to ssh-agent")
		}
		signers, err := agentClient.Signers()
		if err != nil {
			return nil, errors.Wrap(err, "couldn't read ssh-agent signers")
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signers...)}, nil
	}
}

func loadIdentitySigner(path, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading identity file %q", path)
	}
	if passphrase == "" {
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Wrap(err, "parsing identity file")
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	if err != nil {
		return nil, errors.Wrap(err, "parsing passphrase-protected identity file")
	}
	return signer, nil
}

// sshHostKeyCallback pins the host key cfg names, or leaves the
// connection unverified if none is configured.
func sshHostKeyCallback(cfg SSHTunnelConfig) (ssh.HostKeyCallback, error) {
	if cfg.TrustedHostKey == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	trusted, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.TrustedHostKey))
	if err != nil {
		return nil, errors.Wrap(err, "parsing trusted_host_key")
	}
	return ssh.FixedHostKey(trusted), nil
}
