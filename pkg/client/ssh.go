package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshVersionPrefix is the banner every relaychat SSH endpoint advertises
const sshVersionPrefix = "SSH-2.0-relaychat"

var errUserRejectedHostKey = errors.New("user rejected ssh host key")

func defaultSSHUser() string {
	if user := os.Getenv("RELAYCHAT_SSH_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "anonymous"
}

// hostKeyVerifier checks server keys against known_hosts files and falls
// back to asking the user when a host has never been seen.
type hostKeyVerifier struct {
	host      string
	port      string
	paths     []string
	callbacks []ssh.HostKeyCallback

	// prompt wiring, replaced in tests
	interactive bool
	in          io.Reader
	out         io.Writer

	mu       sync.Mutex
	accepted map[string]ssh.PublicKey
	warning  string
}

func newHostKeyVerifier(host, port string) *hostKeyVerifier {
	v := &hostKeyVerifier{
		host:        host,
		port:        port,
		interactive: isInteractive(),
		in:          os.Stdin,
		out:         os.Stdout,
		accepted:    make(map[string]ssh.PublicKey),
	}
	v.load(knownHostPaths())
	return v
}

func (v *hostKeyVerifier) load(paths []string) {
	v.paths = paths
	v.callbacks = nil
	for _, path := range paths {
		if cb, err := knownhosts.New(path); err == nil {
			v.callbacks = append(v.callbacks, cb)
		}
	}

	v.warning = ""
	if len(v.callbacks) == 0 {
		v.warning = "no known_hosts file found; unknown SSH host keys need interactive approval"
	}
}

func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if len(v.callbacks) == 0 {
		return v.handleUnknownHostKey(hostname, remote, key)
	}

	var lastErr error
	for _, cb := range v.callbacks {
		if err := cb(hostname, remote, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	var keyErr *knownhosts.KeyError
	if errors.As(lastErr, &keyErr) {
		if len(keyErr.Want) == 0 {
			return v.handleUnknownHostKey(hostname, remote, key)
		}
		return v.mismatchError(hostname, keyErr, key)
	}

	return lastErr
}

func (v *hostKeyVerifier) handleUnknownHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	fingerprint := ssh.FingerprintSHA256(key)

	v.mu.Lock()
	defer v.mu.Unlock()

	if prev, ok := v.accepted[hostname]; ok && ssh.FingerprintSHA256(prev) == fingerprint {
		return nil
	}

	if !v.interactive {
		return fmt.Errorf("ssh host key verification failed for %s: key %s is not trusted. Add it with `ssh-keyscan -p %s %s >> %s` and retry",
			hostname, fingerprint, v.port, v.host, v.preferredKnownHostsPath())
	}

	ok, err := v.prompt(hostname, remote, fingerprint)
	if err != nil {
		return err
	}
	if !ok {
		return errUserRejectedHostKey
	}

	v.accepted[hostname] = key
	return nil
}

func (v *hostKeyVerifier) prompt(hostname string, remote net.Addr, fingerprint string) (bool, error) {
	remoteStr := "unknown"
	if remote != nil {
		remoteStr = remote.String()
	}

	fmt.Fprintf(v.out, "\nThe authenticity of host '%s' (%s) can't be established.\n", hostname, remoteStr)
	fmt.Fprintf(v.out, "SSH key fingerprint is %s.\n", fingerprint)
	fmt.Fprintf(v.out, "If you accept, the key will be written to %s.\n", v.preferredKnownHostsPath())
	fmt.Fprint(v.out, "Do you trust this host? (yes/no) [no]: ")

	answer, err := bufio.NewReader(v.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "yes" || answer == "y", nil
}

func (v *hostKeyVerifier) mismatchError(hostname string, keyErr *knownhosts.KeyError, presented ssh.PublicKey) error {
	actual := "unknown"
	if presented != nil {
		actual = ssh.FingerprintSHA256(presented)
	}
	expected := "unknown"
	if len(keyErr.Want) > 0 && keyErr.Want[0].Key != nil {
		expected = ssh.FingerprintSHA256(keyErr.Want[0].Key)
	}

	return fmt.Errorf("ssh host key verification failed for %s: the server presented key %s but known_hosts expects %s. Update or remove the entry before retrying",
		hostname, actual, expected)
}

func (v *hostKeyVerifier) preferredKnownHostsPath() string {
	if len(v.paths) > 0 {
		return v.paths[0]
	}
	return filepath.Join(userHomeDir(), ".ssh", "known_hosts")
}

func (v *hostKeyVerifier) wrapError(err error) error {
	if errors.Is(err, errUserRejectedHostKey) {
		return fmt.Errorf("connection aborted: rejected SSH host key for %s", net.JoinHostPort(v.host, v.port))
	}

	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("ssh authentication failed for %s:%s: relaychat servers accept anonymous SSH, so double-check the address (expected banner prefix %q)",
			v.host, v.port, sshVersionPrefix)
	}

	return err
}

// persistAccepted writes interactively accepted keys to known_hosts
func (v *hostKeyVerifier) persistAccepted(serverVersion string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.accepted) == 0 {
		return nil
	}

	path := v.preferredKnownHostsPath()
	for host, key := range v.accepted {
		if err := appendKnownHost(path, host, serverVersion, key); err != nil {
			return fmt.Errorf("failed to persist SSH host key for %s in %s: %w", host, path, err)
		}
	}

	v.accepted = make(map[string]ssh.PublicKey)
	v.load(v.paths)
	return nil
}

func knownHostPaths() []string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		var paths []string
		for _, p := range strings.Split(env, string(os.PathListSeparator)) {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return paths
	}

	home := userHomeDir()
	if home == "" {
		return nil
	}

	return []string{filepath.Join(home, ".ssh", "known_hosts")}
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func appendKnownHost(path, hostname, serverVersion string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = fmt.Fprintf(f, "%s relaychat banner=%s added=%s\n", line, serverVersion, time.Now().Format(time.RFC3339))
	return err
}

func isInteractive() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// dialSSH opens a session channel on an anonymous SSH connection and
// returns it as a byte stream carrying protocol frames.
func dialSSH(user, host, port string, verifier *hostKeyVerifier) (net.Conn, error) {
	address := net.JoinHostPort(host, port)
	netConn, err := net.DialTimeout("tcp", address, 10*time.Second)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: verifier.callback,
		Timeout:         10 * time.Second,
	}

	localAddr := netConn.LocalAddr()
	remoteAddr := netConn.RemoteAddr()

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, verifier.wrapError(err)
	}

	serverBanner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(serverBanner, sshVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q; expected a relaychat server (banner prefix %q)", serverBanner, sshVersionPrefix)
	}

	if err := verifier.persistAccepted(serverBanner); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, verifier.wrapError(err)
	}

	go ssh.DiscardRequests(requests)

	return &sshClientConn{
		channel:    channel,
		client:     client,
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
	}, nil
}

type sshClientConn struct {
	channel    ssh.Channel
	client     *ssh.Client
	localAddr  net.Addr
	remoteAddr net.Addr
	once       sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshClientConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}

func (c *sshClientConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *sshClientConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *sshClientConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshClientConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshClientConn) SetWriteDeadline(t time.Time) error { return nil }
