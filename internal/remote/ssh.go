// Package remote wraps a backend driver's native command execution in an SSH
// hop, so any CLI-shelling driver in internal/drivers can run against a host
// other than localhost without knowing SSH exists. It is grounded on the
// retrieved corpus's Go-native SSH transport: dial with host-key pinning via
// a known_hosts file (auto-appending on first connect), key/agent/password
// auth fallback in that order, and an scp-protocol file upload.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/rexxfleet/orchestrator/internal/driver"
	"github.com/rexxfleet/orchestrator/internal/drivers/clirunner"
)

// AuthMethod selects how Endpoint authenticates.
type AuthMethod string

const (
	AuthKey      AuthMethod = "key"
	AuthPassword AuthMethod = "password"
	AuthAuto     AuthMethod = "auto"
)

// Endpoint describes one SSH-reachable host an ADDRESS target forwards to.
type Endpoint struct {
	Host            string
	Port            int
	User            string
	AuthMethod      AuthMethod
	Password        string
	PrivateKeyPaths []string
	KnownHostsPath  string

	// SudoRetryExec/SudoRetryTransfer retry once with "sudo -n" when the
	// first attempt looks like a permission failure, for exec and file
	// transfer respectively. cmd/fleetengine sets them to true/false, the
	// defaults of the matching security.Policy fields; it does not copy the
	// policy's configured values into them.
	SudoRetryExec     bool
	SudoRetryTransfer bool
}

func (e Endpoint) port() int {
	if e.Port <= 0 {
		return 22
	}
	return e.Port
}

var knownHostsWriteMu sync.Mutex

// Client is a dialed SSH session factory bound to one Endpoint. It is safe
// for concurrent use; each Run/Upload call opens its own ssh.Session on the
// shared ssh.Client connection.
type Client struct {
	endpoint Endpoint
	conn     *ssh.Client
}

// Dial opens the SSH connection. Callers should Close it when the ADDRESS
// target is torn down (engine shutdown or Reconfigure).
func Dial(ctx context.Context, ep Endpoint) (*Client, error) {
	cfg, err := buildClientConfig(ep)
	if err != nil {
		return nil, driver.New(driver.ErrInvalidArgument, "remote: %v", err)
	}
	addr := net.JoinHostPort(strings.TrimSpace(ep.Host), strconv.Itoa(ep.port()))
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, driver.New(driver.ErrBackendUnavail, "remote: dial %s: %v", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, driver.New(driver.ErrBackendUnavail, "remote: handshake %s: %v", addr, err)
	}
	return &Client{endpoint: ep, conn: ssh.NewClient(clientConn, chans, reqs)}, nil
}

// Close tears down the underlying SSH connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Run executes argv as a single shell command line over SSH, satisfying
// clirunner.Runner so any CLI-shelling driver can be pointed at a remote
// host transparently. It retries once with a "sudo -n" prefix when the
// first attempt's stderr looks like a permission denial and the endpoint
// opts into exec retry.
func (c *Client) Run(ctx context.Context, argv []string, stdin io.Reader, timeout time.Duration) (clirunner.Result, error) {
	line := joinShellArgs(argv)
	res, err := c.runOnce(ctx, line, stdin, timeout)
	if err != nil && c.endpoint.SudoRetryExec && looksLikePermissionDenied(res.Stderr, err) {
		return c.runOnce(ctx, "sudo -n "+line, stdin, timeout)
	}
	return res, err
}

func (c *Client) runOnce(ctx context.Context, line string, stdin io.Reader, timeout time.Duration) (clirunner.Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	session, err := c.conn.NewSession()
	if err != nil {
		return clirunner.Result{}, driver.New(driver.ErrBackendUnavail, "remote: new session: %v", err)
	}
	defer session.Close()

	if stdin != nil {
		session.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	if err := session.Start(line); err != nil {
		return clirunner.Result{}, driver.New(driver.ErrIO, "remote: start: %v", err)
	}
	go func() { done <- session.Wait() }()

	select {
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		res := clirunner.Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if runCtx.Err() == context.DeadlineExceeded {
			return res, driver.New(driver.ErrTimeout, "remote command timed out after %s", timeout)
		}
		return res, driver.New(driver.ErrCancelled, "remote command cancelled")
	case err := <-done:
		res := clirunner.Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			res.ExitCode = 0
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, driver.New(driver.ErrIO, "remote command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return res, driver.New(driver.ErrIO, "remote: %v", err)
	}
}

func looksLikePermissionDenied(stderr string, err error) bool {
	lower := strings.ToLower(stderr + " " + err.Error())
	return strings.Contains(lower, "permission denied") || strings.Contains(lower, "operation not permitted")
}

func joinShellArgs(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = quoteSingle(a)
	}
	return strings.Join(parts, " ")
}

func quoteSingle(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Upload copies localPath to remoteDir on the endpoint using the scp
// protocol directly over the SSH session (no local scp binary required). It
// retries once via "sudo -n tee" when the endpoint opts into transfer retry
// and the first attempt is refused for permissions.
func (c *Client) Upload(ctx context.Context, localPath, remoteDir string) error {
	if err := c.uploadSCP(ctx, localPath, remoteDir); err != nil {
		if c.endpoint.SudoRetryTransfer && looksLikePermissionDenied("", err) {
			return c.uploadViaSudoTee(ctx, localPath, remoteDir)
		}
		return err
	}
	return nil
}

func (c *Client) uploadSCP(ctx context.Context, localPath, remoteDir string) error {
	srcFile, err := os.Open(localPath)
	if err != nil {
		return driver.New(driver.ErrIO, "remote: open %s: %v", localPath, err)
	}
	defer srcFile.Close()
	info, err := srcFile.Stat()
	if err != nil {
		return driver.New(driver.ErrIO, "remote: stat %s: %v", localPath, err)
	}

	session, err := c.conn.NewSession()
	if err != nil {
		return driver.New(driver.ErrBackendUnavail, "remote: new session: %v", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return driver.New(driver.ErrIO, "remote: stdin pipe: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return driver.New(driver.ErrIO, "remote: stdout pipe: %v", err)
	}
	var stderr bytes.Buffer
	session.Stderr = &stderr

	remoteDir = strings.TrimSpace(remoteDir)
	if remoteDir == "" {
		return driver.New(driver.ErrInvalidArgument, "remote: remote directory required")
	}
	if err := session.Start("scp -t " + quoteSingle(remoteDir)); err != nil {
		return driver.New(driver.ErrIO, "remote: start scp: %v", err)
	}

	ack := bufio.NewReader(stdout)
	if err := readSCPAck(ack); err != nil {
		return scpError(err, stderr.String())
	}

	mode := info.Mode().Perm() & 0o777
	header := fmt.Sprintf("C%04o %d %s\n", mode, info.Size(), filepath.Base(localPath))
	if _, err := io.WriteString(stdin, header); err != nil {
		return driver.New(driver.ErrIO, "remote: write header: %v", err)
	}
	if err := readSCPAck(ack); err != nil {
		return scpError(err, stderr.String())
	}
	if _, err := io.Copy(stdin, srcFile); err != nil {
		return driver.New(driver.ErrIO, "remote: copy body: %v", err)
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return driver.New(driver.ErrIO, "remote: write terminator: %v", err)
	}
	if err := readSCPAck(ack); err != nil {
		return scpError(err, stderr.String())
	}
	if err := stdin.Close(); err != nil {
		return driver.New(driver.ErrIO, "remote: close stdin: %v", err)
	}
	if err := session.Wait(); err != nil {
		return scpError(err, stderr.String())
	}
	return nil
}

// uploadViaSudoTee is the transfer-retry fallback for hosts where the scp
// subsystem target directory is root-owned: stream the file through
// "sudo -n tee" instead of the scp protocol.
func (c *Client) uploadViaSudoTee(ctx context.Context, localPath, remoteDir string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return driver.New(driver.ErrIO, "remote: read %s: %v", localPath, err)
	}
	dest := filepath.Join(remoteDir, filepath.Base(localPath))
	cmd := fmt.Sprintf("sudo -n tee %s > /dev/null", quoteSingle(dest))
	session, err := c.conn.NewSession()
	if err != nil {
		return driver.New(driver.ErrBackendUnavail, "remote: new session: %v", err)
	}
	defer session.Close()
	session.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	session.Stderr = &stderr
	if err := session.Run(cmd); err != nil {
		return driver.New(driver.ErrIO, "remote: sudo tee upload: %s", strings.TrimSpace(stderr.String()))
	}
	return nil
}

func readSCPAck(r *bufio.Reader) error {
	code, err := r.ReadByte()
	if err != nil {
		return err
	}
	switch code {
	case 0:
		return nil
	case 1, 2:
		msg, _ := r.ReadString('\n')
		msg = strings.TrimSpace(msg)
		if msg == "" {
			msg = "remote scp returned an error"
		}
		return errors.New(msg)
	default:
		return fmt.Errorf("unexpected scp protocol byte %d", code)
	}
}

func scpError(err error, stderrText string) error {
	msg := strings.TrimSpace(stderrText)
	if msg == "" {
		msg = strings.TrimSpace(err.Error())
	}
	if msg == "" {
		msg = "scp upload failed"
	}
	return driver.New(driver.ErrIO, "remote: %s", msg)
}

func buildClientConfig(ep Endpoint) (*ssh.ClientConfig, error) {
	user := strings.TrimSpace(ep.User)
	if user == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	methods, err := resolveAuthMethods(ep)
	if err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh auth methods available")
	}
	hostKeyCallback, err := buildHostKeyCallback(ep)
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         5 * time.Second,
	}, nil
}

func resolveAuthMethods(ep Endpoint) ([]ssh.AuthMethod, error) {
	if ep.AuthMethod == AuthPassword {
		return passwordAuthMethods(ep.Password)
	}

	var methods []ssh.AuthMethod
	signers, err := loadPrivateKeySigners(ep.PrivateKeyPaths)
	if err != nil {
		return nil, err
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if sock := strings.TrimSpace(os.Getenv("SSH_AUTH_SOCK")); sock != "" {
		methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			return loadAgentSigners(sock)
		}))
	}
	if len(methods) > 0 {
		return methods, nil
	}
	if ep.Password != "" {
		return passwordAuthMethods(ep.Password)
	}
	return nil, fmt.Errorf("no key signers found and no password configured")
}

func passwordAuthMethods(password string) ([]ssh.AuthMethod, error) {
	password = strings.TrimSpace(password)
	if password == "" {
		return nil, fmt.Errorf("password auth selected but no password configured")
	}
	keyboardInteractive := ssh.KeyboardInteractive(func(_ string, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = password
		}
		return answers, nil
	})
	return []ssh.AuthMethod{ssh.Password(password), keyboardInteractive}, nil
}

func loadPrivateKeySigners(paths []string) ([]ssh.Signer, error) {
	if len(paths) == 0 {
		home, err := os.UserHomeDir()
		if err == nil && home != "" {
			paths = []string{
				filepath.Join(home, ".ssh", "id_ed25519"),
				filepath.Join(home, ".ssh", "id_ecdsa"),
				filepath.Join(home, ".ssh", "id_rsa"),
			}
		}
	}
	var signers []ssh.Signer
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			continue
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

func loadAgentSigners(sock string) ([]ssh.Signer, error) {
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return agent.NewClient(conn).Signers()
}

func buildHostKeyCallback(ep Endpoint) (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(ep.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".fleetengine", "known_hosts")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := os.WriteFile(path, []byte{}, 0o600); err != nil {
			return nil, err
		}
	}
	validator, err := knownhosts.New(path)
	if err != nil {
		return nil, err
	}
	return func(hostname string, remoteAddr net.Addr, key ssh.PublicKey) error {
		err := validator(hostname, remoteAddr, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return appendKnownHost(path, hostname, key)
		}
		return err
	}, nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	normalized := knownhosts.Normalize(strings.TrimSpace(hostname))
	if normalized == "" {
		return fmt.Errorf("cannot normalize ssh hostname %q", hostname)
	}
	line := knownhosts.Line([]string{normalized}, key)

	knownHostsWriteMu.Lock()
	defer knownHostsWriteMu.Unlock()

	if existing, err := os.ReadFile(path); err == nil {
		for _, row := range strings.Split(string(existing), "\n") {
			if strings.TrimSpace(row) == strings.TrimSpace(line) {
				return nil
			}
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}
