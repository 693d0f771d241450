package sshd

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/holdfast-sh/holdfast/internal/mux"
	"github.com/holdfast-sh/holdfast/internal/registry"
	"github.com/holdfast-sh/holdfast/internal/relay"
)

const testSecret = "correct horse battery staple"

type captureSink struct {
	mu     sync.Mutex
	events []relay.Event
}

func (s *captureSink) Publish(evt relay.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *captureSink) snapshot() []relay.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relay.Event(nil), s.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClientKey(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

type testDeps struct {
	addr     string
	mux      *mux.Fake
	registry *registry.Registry
	sink     *captureSink
}

func startTestServer(t *testing.T, authorized ...ssh.PublicKey) testDeps {
	t.Helper()
	dir := t.TempDir()
	authPath := ""
	if len(authorized) > 0 {
		var lines []byte
		for _, key := range authorized {
			lines = append(lines, ssh.MarshalAuthorizedKey(key)...)
		}
		authPath = filepath.Join(dir, "authorized_keys")
		if err := os.WriteFile(authPath, lines, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	fake := mux.NewFake()
	reg := registry.New(fake, "", testLogger())
	sink := &captureSink{}
	srv, err := New(Config{
		ListenAddr:         "127.0.0.1:0",
		HostKeyPath:        filepath.Join(dir, "host_key"),
		AuthorizedKeysPath: authPath,
		PasswordSecret:     testSecret,
	}, reg, fake, sink, testLogger())
	if err != nil {
		t.Fatalf("server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ListenAndServe(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return testDeps{addr: srv.Addr().String(), mux: fake, registry: reg, sink: sink}
}

func dial(t *testing.T, addr, user string, methods ...ssh.AuthMethod) *ssh.Client {
	t.Helper()
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPasswordAuth(t *testing.T) {
	deps := startTestServer(t)
	dial(t, deps.addr, "alice", ssh.Password(testSecret))
}

func TestWrongPasswordRejected(t *testing.T) {
	deps := startTestServer(t)
	_, err := ssh.Dial("tcp", deps.addr, &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.Password("nope")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err == nil {
		t.Fatal("wrong password accepted")
	}
}

func TestPublicKeyAuth(t *testing.T) {
	key := newClientKey(t)
	deps := startTestServer(t, key.PublicKey())
	dial(t, deps.addr, "alice", ssh.PublicKeys(key))
}

func TestUnknownPublicKeyRejected(t *testing.T) {
	authorized := newClientKey(t)
	deps := startTestServer(t, authorized.PublicKey())
	stranger := newClientKey(t)
	_, err := ssh.Dial("tcp", deps.addr, &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(stranger)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err == nil {
		t.Fatal("unknown key accepted")
	}
}

// A rejected password must leave both methods on offer: the client falls
// through to its key and still gets in.
func TestRejectedPasswordKeepsMethodsOffered(t *testing.T) {
	key := newClientKey(t)
	deps := startTestServer(t, key.PublicKey())
	dial(t, deps.addr, "alice",
		ssh.Password("nope"),
		ssh.PublicKeys(key),
	)
}

func TestShellAttachesAndSurvivesDisconnect(t *testing.T) {
	deps := startTestServer(t)
	client := dial(t, deps.addr, "alice", ssh.Password(testSecret))

	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.RequestPty("xterm-256color", 40, 120, ssh.TerminalModes{}); err != nil {
		t.Fatalf("pty: %v", err)
	}
	if err := sess.Shell(); err != nil {
		t.Fatalf("shell: %v", err)
	}

	if _, err := io.WriteString(stdin, "ping\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !waitForOutput(t, stdout, "ping") {
		t.Fatal("shell output never echoed input")
	}

	first, err := deps.registry.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	_ = sess.Close()
	_ = client.Close()
	time.Sleep(100 * time.Millisecond)

	// The session outlives the connection and a reconnect binds to it.
	if !deps.mux.Alive(context.Background(), first.ID) {
		t.Fatal("session died with the connection")
	}
	second, err := deps.registry.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("resolve after disconnect: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("reconnect resolved %q, want %q", second.ID, first.ID)
	}
}

func TestShellOutputReachesEventSink(t *testing.T) {
	deps := startTestServer(t)
	client := dial(t, deps.addr, "alice", ssh.Password(testSecret))

	sess, err := client.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	stdin, err := sess.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Shell(); err != nil {
		t.Fatalf("shell: %v", err)
	}
	if _, err := io.WriteString(stdin, "observe\n"); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		for _, evt := range deps.sink.snapshot() {
			if evt.Metadata.Identity == "alice" && evt.Metadata.SessionKind == "shell" && evt.Data != "" {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("no event reached the sink")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// An unreachable event broker must not degrade the shell path.
func TestShellWorksWithDegradedRelay(t *testing.T) {
	dir := t.TempDir()
	fake := mux.NewFake()
	reg := registry.New(fake, "", testLogger())
	events := relay.New(relay.Options{
		URL:            "nats://127.0.0.1:1", // nothing listens here
		ConnectRetries: 1,
		RetryDelay:     time.Millisecond,
	}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go events.Run(ctx)

	srv, err := New(Config{
		ListenAddr:     "127.0.0.1:0",
		HostKeyPath:    filepath.Join(dir, "host_key"),
		PasswordSecret: testSecret,
	}, reg, fake, events, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.ListenAndServe(ctx) }()
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}

	client := dial(t, srv.Addr().String(), "bob", ssh.Password(testSecret))
	sess, err := client.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	stdin, err := sess.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Shell(); err != nil {
		t.Fatalf("shell: %v", err)
	}
	if _, err := io.WriteString(stdin, "still alive\n"); err != nil {
		t.Fatal(err)
	}
	if !waitForOutput(t, stdout, "still alive") {
		t.Fatal("shell unusable without relay")
	}
}

// A burst of window-change requests during an active shell must neither
// stall the channel request loop nor wedge the connection.
func TestResizeDuringActiveShell(t *testing.T) {
	deps := startTestServer(t)
	client := dial(t, deps.addr, "alice", ssh.Password(testSecret))

	sess, err := client.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	stdin, err := sess.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.RequestPty("xterm-256color", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("pty: %v", err)
	}
	if err := sess.Shell(); err != nil {
		t.Fatalf("shell: %v", err)
	}
	if _, err := io.WriteString(stdin, "before\n"); err != nil {
		t.Fatal(err)
	}
	if !waitForOutput(t, stdout, "before") {
		t.Fatal("shell never echoed")
	}

	for i := 0; i < 64; i++ {
		if err := sess.WindowChange(24+i%16, 80+i); err != nil {
			t.Fatalf("window change %d: %v", i, err)
		}
	}

	if _, err := io.WriteString(stdin, "after\n"); err != nil {
		t.Fatal(err)
	}
	if !waitForOutput(t, stdout, "after") {
		t.Fatal("shell stopped echoing after repeated resizes")
	}
}

func countOpenFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("fd table not readable: %v", err)
	}
	return len(entries)
}

// Each shell channel opens one pty pair; closing the channel must give
// the master back.
func TestShellChannelsReleaseDescriptors(t *testing.T) {
	deps := startTestServer(t)
	client := dial(t, deps.addr, "alice", ssh.Password(testSecret))

	runShell := func() {
		sess, err := client.NewSession()
		if err != nil {
			t.Fatal(err)
		}
		stdin, err := sess.StdinPipe()
		if err != nil {
			t.Fatal(err)
		}
		stdout, err := sess.StdoutPipe()
		if err != nil {
			t.Fatal(err)
		}
		if err := sess.Shell(); err != nil {
			t.Fatalf("shell: %v", err)
		}
		if _, err := io.WriteString(stdin, "tick\n"); err != nil {
			t.Fatal(err)
		}
		if !waitForOutput(t, stdout, "tick") {
			t.Fatal("shell never echoed")
		}
		_ = sess.Close()
	}

	runShell() // warm caches before taking the baseline
	baseline := countOpenFDs(t)
	for i := 0; i < 10; i++ {
		runShell()
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if n := countOpenFDs(t); n <= baseline+3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("fd count %d never returned near baseline %d", countOpenFDs(t), baseline)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Shutdown must reach a connection whose handshake never completes.
func TestShutdownClosesHandshakingConnection(t *testing.T) {
	dir := t.TempDir()
	fake := mux.NewFake()
	reg := registry.New(fake, "", testLogger())
	srv, err := New(Config{
		ListenAddr:     "127.0.0.1:0",
		HostKeyPath:    filepath.Join(dir, "host_key"),
		PasswordSecret: testSecret,
	}, reg, fake, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ListenAndServe(ctx)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A client that connects and then says nothing, parked mid-handshake.
	raw, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown hung on a handshaking connection")
	}
}

func TestSftpSubsystem(t *testing.T) {
	deps := startTestServer(t)
	client := dial(t, deps.addr, "alice", ssh.Password(testSecret))

	sc, err := sftp.NewClient(client)
	if err != nil {
		t.Fatalf("sftp: %v", err)
	}
	defer sc.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "via-subsystem.txt")
	f, err := sc.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.Write([]byte("over ssh")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "over ssh" {
		t.Fatalf("readback = %q, %v", got, err)
	}
}

func TestTcpipChannelRejected(t *testing.T) {
	deps := startTestServer(t)
	client := dial(t, deps.addr, "alice", ssh.Password(testSecret))
	_, _, err := client.OpenChannel("direct-tcpip", nil)
	if err == nil {
		t.Fatal("unsupported channel type accepted")
	}
}

func waitForOutput(t *testing.T, r io.Reader, want string) bool {
	t.Helper()
	found := make(chan bool, 1)
	go func() {
		br := bufio.NewReader(r)
		var seen strings.Builder
		buf := make([]byte, 4096)
		for {
			n, err := br.Read(buf)
			if n > 0 {
				seen.Write(buf[:n])
				if strings.Contains(seen.String(), want) {
					found <- true
					return
				}
			}
			if err != nil {
				found <- false
				return
			}
		}
	}()
	select {
	case ok := <-found:
		return ok
	case <-time.After(5 * time.Second):
		return false
	}
}
