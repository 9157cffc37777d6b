package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig configures an SSHTransport.
type SSHConfig struct {
	// Target is host, user@host or user@host:port.
	Target string
	// User is used when Target names none; defaults to $USER.
	User string
	// Port is used when Target names none; defaults to 22.
	Port int
	// RemoteDir receives uploaded artifacts. Relative paths resolve
	// against the remote home directory.
	RemoteDir string
	// IdentityFiles are private keys tried after the ssh agent.
	IdentityFiles []string
	// KnownHosts is the known_hosts file used to verify the host key.
	KnownHosts string
	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool
	// Sudo runs the artifact and cleanup commands through sudo.
	Sudo bool
	// DialTimeout bounds the TCP connect and SSH handshake.
	DialTimeout time.Duration
}

// SSHTransport uploads artifacts to a remote host and runs them on a
// pseudo terminal.
type SSHTransport struct {
	cfg    SSHConfig
	addr   string
	user   string
	logger *slog.Logger

	client *ssh.Client
}

// NewSSHTransport returns an SSHTransport. It does not dial.
func NewSSHTransport(cfg SSHConfig, logger *slog.Logger) (*SSHTransport, error) {
	user, addr, err := parseTarget(cfg.Target, cfg.User, cfg.Port)
	if err != nil {
		return nil, err
	}

	if cfg.RemoteDir == "" {
		cfg.RemoteDir = "app"
	}

	return &SSHTransport{
		cfg:    cfg,
		addr:   addr,
		user:   user,
		logger: logger.With(slog.String("remote", addr)),
	}, nil
}

func parseTarget(target, user string, port int) (string, string, error) {
	if target == "" {
		return "", "", errors.New("ssh target is empty")
	}

	if at := strings.LastIndex(target, "@"); at >= 0 {
		user, target = target[:at], target[at+1:]
	}

	if user == "" {
		user = os.Getenv("USER")
	}

	if port == 0 {
		port = 22
	}

	host := target
	if h, p, err := net.SplitHostPort(target); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", "", fmt.Errorf("ssh target %q: bad port: %w", target, err)
		}

		host, port = h, n
	}

	return user, net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func (t *SSHTransport) Name() string { return "ssh" }

func (t *SSHTransport) dial(ctx context.Context) (*ssh.Client, error) {
	auth, closeAgent := t.authMethods(ctx)
	defer closeAgent()

	hostKeys, err := t.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            t.user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         t.cfg.DialTimeout,
	}

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, t.addr, err)
	}

	if t.cfg.DialTimeout > 0 {
		conn.SetDeadline(time.Now().Add(t.cfg.DialTimeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, t.addr, cfg)
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("%w: handshake %s: %w", ErrTransport, t.addr, err)
	}

	conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// authMethods offers the agent's keys first, then the identity files.
// The returned func closes the agent connection once the handshake is
// done.
func (t *SSHTransport) authMethods(ctx context.Context) ([]ssh.AuthMethod, func()) {
	var (
		methods []ssh.AuthMethod
		closer  = func() {}
	)

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closer = func() { conn.Close() }
		} else {
			t.logger.DebugContext(ctx, "ssh agent unavailable", slog.String("error", err.Error()))
		}
	}

	var signers []ssh.Signer

	for _, file := range t.identityFiles() {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}

		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			t.logger.DebugContext(ctx, "skipping identity",
				slog.String("file", file),
				slog.String("error", err.Error()),
			)

			continue
		}

		signers = append(signers, signer)
	}

	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	return methods, closer
}

func (t *SSHTransport) identityFiles() []string {
	if len(t.cfg.IdentityFiles) > 0 {
		return t.cfg.IdentityFiles
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
}

func (t *SSHTransport) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if t.cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	file := t.cfg.KnownHosts
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve known_hosts: %w", err)
		}

		file = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", file, err)
	}

	return cb, nil
}

// Connect dials the remote host for the attempt.
func (t *SSHTransport) Connect(ctx context.Context) error {
	client, err := t.dial(ctx)
	if err != nil {
		return err
	}

	t.client = client

	return nil
}

// Transfer streams the artifact into the remote directory and makes it
// executable.
func (t *SSHTransport) Transfer(ctx context.Context, artifact Artifact) error {
	file, err := os.Open(artifact.Path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	target := t.remoteFile(artifact)

	t.logger.InfoContext(ctx, "uploading artifact",
		slog.String("artifact", artifact.Path),
		slog.String("destination", target),
	)

	session, err := t.client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: open session: %w", ErrTransport, err)
	}
	defer session.Close()

	var stderr bytes.Buffer

	session.Stdin = file
	session.Stderr = &stderr

	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod +x %s",
		remotePath(t.cfg.RemoteDir), target, target)

	if err := runSession(ctx, session, cmd); err != nil {
		return fmt.Errorf("%w: upload: %w\nstderr: %s", ErrTransport, err, stderr.String())
	}

	return nil
}

// Launch starts the uploaded artifact on a pseudo terminal, so that the
// remote process is tied to the session's lifetime.
func (t *SSHTransport) Launch(ctx context.Context, artifact Artifact, _ bool) (Process, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %w", ErrTransport, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}

	if err := session.RequestPty("xterm", 40, 200, modes); err != nil {
		session.Close()

		return nil, fmt.Errorf("%w: request pty: %w", ErrTransport, err)
	}

	proc, err := newSSHProcess(session)
	if err != nil {
		session.Close()

		return nil, err
	}

	cmd := t.remoteFile(artifact)
	if t.cfg.Sudo {
		cmd = "sudo " + cmd
	}

	t.logger.InfoContext(ctx, "starting remote binary", slog.String("command", cmd))

	if err := session.Start(cmd); err != nil {
		session.Close()

		return nil, fmt.Errorf("%w: start %q: %w", ErrTransport, cmd, err)
	}

	go proc.wait()

	return proc, nil
}

func (t *SSHTransport) Handshake(bool) Handshake { return Handshake{} }

// Cleanup kills every process started from the remote directory, first
// politely and then with SIGKILL. It uses its own connection since the
// attempt's connection is already closed.
func (t *SSHTransport) Cleanup(ctx context.Context) error {
	query := shellQuote(path.Base(t.cfg.RemoteDir) + "/")

	pkill := "pkill"
	if t.cfg.Sudo {
		pkill = "sudo pkill"
	}

	cmd := fmt.Sprintf("%[1]s --full %[2]s; sleep 1; %[1]s -9 --full %[2]s; true", pkill, query)

	t.logger.InfoContext(ctx, "killing remote binaries", slog.String("query", query))

	client, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: open session: %w", ErrTransport, err)
	}
	defer session.Close()

	if err := runSession(ctx, session, cmd); err != nil {
		return fmt.Errorf("%w: cleanup: %w", ErrTransport, err)
	}

	return nil
}

func (t *SSHTransport) Close() error {
	if t.client == nil {
		return nil
	}

	err := t.client.Close()
	t.client = nil

	return err
}

func (t *SSHTransport) remoteFile(artifact Artifact) string {
	return remotePath(path.Join(t.cfg.RemoteDir, filepath.Base(artifact.Path)))
}

// runSession runs cmd and closes the session if ctx ends first.
func runSession(ctx context.Context, session *ssh.Session, cmd string) error {
	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	err := session.Run(cmd)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return err
}

// remotePath quotes p for the remote shell, leaving a leading ~/ to be
// expanded.
func remotePath(p string) string {
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		return `"$HOME"/` + shellQuote(rest)
	}

	return shellQuote(p)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// sshProcess is a remote process started on an SSH session.
type sshProcess struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	done     chan struct{}
	exitCode int

	closeOnce sync.Once
}

func newSSHProcess(session *ssh.Session) (*sshProcess, error) {
	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %w", ErrTransport, err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrTransport, err)
	}

	stderr, err := session.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %w", ErrTransport, err)
	}

	return &sshProcess{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		done:    make(chan struct{}),
	}, nil
}

func (p *sshProcess) wait() {
	err := p.session.Wait()

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		p.exitCode = 0
	case errors.As(err, &exitErr):
		p.exitCode = exitErr.ExitStatus()
	default:
		p.exitCode = -1
	}

	close(p.done)
}

func (p *sshProcess) Stdout() io.Reader { return p.stdout }

func (p *sshProcess) Stderr() io.Reader { return p.stderr }

func (p *sshProcess) Done() <-chan struct{} { return p.done }

func (p *sshProcess) ExitCode() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Interrupt sends SIGINT over the channel and types ^C on the terminal;
// many servers ignore signal requests.
func (p *sshProcess) Interrupt() error {
	sigErr := p.session.Signal(ssh.SIGINT)

	if _, err := p.stdin.Write([]byte{0x03}); err != nil && sigErr != nil {
		return fmt.Errorf("interrupt: %w", errors.Join(sigErr, err))
	}

	return nil
}

// Kill closes the session, which hangs up the terminal of the remote
// process. Stray processes are left to Cleanup.
func (p *sshProcess) Kill() error {
	p.session.Signal(ssh.SIGKILL)

	return p.Close()
}

func (p *sshProcess) Close() error {
	var err error

	p.closeOnce.Do(func() {
		err = p.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})

	return err
}
