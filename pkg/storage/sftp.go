package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
)

// SFTPConfig points at a host whose document root is served over HTTP at
// PublicBaseURL.
type SFTPConfig struct {
	Addr           string
	User           string
	Password       string
	PrivateKeyPath string
	KnownHostsPath string
	Root           string
	PublicBaseURL  string
}

// SFTPStore uploads objects over SSH. Each Put opens its own session.
type SFTPStore struct {
	cfg    SFTPConfig
	client *ssh.ClientConfig
}

func NewSFTPStore(cfg SFTPConfig) (*SFTPStore, error) {
	if cfg.Addr == "" || cfg.User == "" || cfg.PublicBaseURL == "" {
		return nil, failure.Configuration("sftp addr, user and public_base_url are required")
	}
	auth, err := buildAuthMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKey, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, failure.Wrap(failure.KindConfiguration, failure.ReasonNone, err, "load known hosts")
		}
	}
	return &SFTPStore{
		cfg: cfg,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         30 * time.Second,
		},
	}, nil
}

func buildAuthMethods(cfg SFTPConfig) ([]ssh.AuthMethod, error) {
	methods := make([]ssh.AuthMethod, 0, 2)
	if cfg.PrivateKeyPath != "" {
		raw, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, failure.Wrap(failure.KindConfiguration, failure.ReasonNone, err, "read ssh private key")
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, failure.Wrap(failure.KindConfiguration, failure.ReasonNone, err, "parse ssh private key")
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(cfg.Password); password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) == 0 {
		return nil, failure.Configuration("sftp needs a password or private_key_path")
	}
	return methods, nil
}

func (s *SFTPStore) Put(ctx context.Context, key string, body io.Reader, _ int64, _ string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return failure.Upload(failure.ReasonNetworkError, err, "sftp dial")
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, s.cfg.Addr, s.client)
	if err != nil {
		conn.Close()
		return classifySSHError(err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	// Unblock the transfer when the caller gives up.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	return pushFile(client, path.Join(s.root(), key), body, 0o644)
}

func (s *SFTPStore) URL(_ context.Context, key string) (string, error) {
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + key, nil
}

func (s *SFTPStore) root() string {
	if s.cfg.Root == "" {
		return "."
	}
	return s.cfg.Root
}

func pushFile(client *ssh.Client, remotePath string, body io.Reader, perm os.FileMode) error {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return failure.Upload(failure.ReasonNetworkError, err, "sftp session")
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return classifySFTPError(err, "mkdir")
	}
	file, err := sftpClient.Create(remotePath)
	if err != nil {
		return classifySFTPError(err, "create")
	}
	defer file.Close()

	if _, err := io.Copy(file, body); err != nil {
		return classifySFTPError(err, "write")
	}
	if err := file.Chmod(perm); err != nil {
		return classifySFTPError(err, "chmod")
	}
	return nil
}

// SSH_FX_PERMISSION_DENIED from the SFTP protocol.
const sshFxPermissionDenied = 3

func classifySSHError(err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") {
		return failure.Upload(failure.ReasonPermissionDenied, err, "sftp authentication")
	}
	return failure.Upload(failure.ReasonNetworkError, err, "sftp handshake")
}

func classifySFTPError(err error, op string) error {
	if errors.Is(err, os.ErrPermission) {
		return failure.Upload(failure.ReasonPermissionDenied, err, "sftp %s", op)
	}
	var status *sftp.StatusError
	if errors.As(err, &status) && status.Code == sshFxPermissionDenied {
		return failure.Upload(failure.ReasonPermissionDenied, err, "sftp %s", op)
	}
	return failure.Upload(failure.ReasonNetworkError, fmt.Errorf("sftp %s: %w", op, err), "sftp transfer")
}
