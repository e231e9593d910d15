package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal SSH server that answers a fixed set of
// commands.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}

	mu      sync.Mutex
	signals []string
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	signals := make(chan string, 4)
	finished := make(chan struct{})
	defer close(finished)

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go s.run(channel, unwrapShell(payload.Command), signals, finished)

		case "signal":
			var payload struct{ Signal string }
			ssh.Unmarshal(req.Payload, &payload)
			s.mu.Lock()
			s.signals = append(s.signals, payload.Signal)
			s.mu.Unlock()
			select {
			case signals <- payload.Signal:
			default:
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// run plays the scripted behaviour of command.
func (s *testSSHServer) run(channel ssh.Channel, command string, signals <-chan string, finished <-chan struct{}) {
	exit := func(code uint32) {
		channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
		channel.Close()
	}
	exitSignal := func(sig string) {
		channel.SendRequest("exit-signal", false, ssh.Marshal(struct {
			Signal     string
			CoreDumped bool
			Error      string
			Lang       string
		}{Signal: sig}))
		channel.Close()
	}

	switch command {
	case "true":
		exit(0)
	case "echo test":
		channel.Write([]byte("test\n"))
		exit(0)
	case "echo error >&2":
		channel.Stderr().Write([]byte("error\n"))
		exit(0)
	case "exit 1":
		exit(1)
	case "printf partial":
		channel.Write([]byte("line\npartial"))
		exit(0)
	case "sleep":
		select {
		case sig := <-signals:
			exitSignal(sig)
		case <-finished:
		}
	case "trap '' TERM; sleep":
		for {
			select {
			case sig := <-signals:
				if sig == "KILL" {
					exitSignal(sig)
					return
				}
			case <-finished:
				return
			}
		}
	case "command -v 'brew'":
		channel.Write([]byte("/opt/homebrew/bin/brew\n"))
		exit(0)
	case "command -v 'apt-get'":
		exit(1)
	case "crash":
		exitSignal("SEGV")
	default:
		channel.Write([]byte("command: " + command + "\n"))
		exit(0)
	}
}

// unwrapShell strips the `/bin/sh -c '...'` wrapper the runner adds.
func unwrapShell(command string) string {
	rest, ok := strings.CutPrefix(command, "/bin/sh -c ")
	if !ok {
		return command
	}
	rest = strings.TrimSuffix(strings.TrimPrefix(rest, "'"), "'")
	return strings.ReplaceAll(rest, `'\''`, "'")
}

func (s *testSSHServer) receivedSignals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.signals...)
}

func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

// connectedClient returns a password-authenticated client for server.
func connectedClient(t *testing.T, server *testSSHServer) *Client {
	t.Helper()

	host, port := parseAddress(server.addr)
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(t.Context()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
