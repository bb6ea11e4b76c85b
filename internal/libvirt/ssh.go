package libvirt

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHOptions configures qemu+ssh endpoints.
type SSHOptions struct {
	// User is used when the URI names none. Defaults to $USER.
	User string
	// KeyFile is a private key. Without one, the agent at $SSH_AUTH_SOCK and
	// the default keys in ~/.ssh are tried.
	KeyFile string
	// KnownHosts defaults to ~/.ssh/known_hosts.
	KnownHosts string
	// InsecureIgnoreHostKey disables host key checking.
	InsecureIgnoreHostKey bool
}

var defaultKeyFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// sshDialer reaches the remote daemon socket through an SSH
// direct-streamlocal channel.
type sshDialer struct {
	addr   string
	socket string
	config *ssh.ClientConfig
}

// Dial implements socket.Dialer.
func (d *sshDialer) Dial() (net.Conn, error) {
	client, err := ssh.Dial("tcp", d.addr, d.config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s over ssh: %w", d.addr, err)
	}

	conn, err := client.Dial("unix", d.socket)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open remote socket %s on %s: %w", d.socket, d.addr, err)
	}

	return &sshConn{Conn: conn, client: client}, nil
}

// sshConn closes the SSH client together with the forwarded connection.
type sshConn struct {
	net.Conn
	client *ssh.Client
}

func (c *sshConn) Close() error {
	return errors.Join(c.Conn.Close(), c.client.Close())
}

func sshClientConfig(uriUser string, opts SSHOptions, timeout time.Duration) (*ssh.ClientConfig, error) {
	user := uriUser
	if user == "" {
		user = opts.User
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		return nil, fmt.Errorf("no ssh user: set one in the URI or the ssh configuration")
	}

	auth, err := sshAuthMethods(opts.KeyFile)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := sshHostKeyCallback(opts)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func sshAuthMethods(keyFile string) ([]ssh.AuthMethod, error) {
	if keyFile != "" {
		signer, err := loadSigner(keyFile)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	var methods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		var signers []ssh.Signer
		for _, name := range defaultKeyFiles {
			signer, err := loadSigner(filepath.Join(home, ".ssh", name))
			if err != nil {
				continue
			}
			signers = append(signers, signer)
		}
		if len(signers) > 0 {
			methods = append(methods, ssh.PublicKeys(signers...))
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh credentials: set ssh.key_file or start an ssh agent")
	}
	return methods, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key %s: %w", path, err)
	}
	return signer, nil
}

func sshHostKeyCallback(opts SSHOptions) (ssh.HostKeyCallback, error) {
	if opts.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := opts.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts %s: %w", path, err)
	}
	return callback, nil
}
