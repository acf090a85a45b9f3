// Package ssh serves the settings shell over SSH. Every connection is its
// own execution context, named by the SSH user, with the permissions the
// configured authority grants that name.
package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"prefdb/internal/hostkey"
	"prefdb/internal/logging"
	"prefdb/internal/settings"
	"prefdb/internal/shell"
)

var sshlog = logging.For("ssh")

// Server is an SSH server exposing the settings shell.
type Server struct {
	addr     string
	db       *settings.DB
	auth     settings.Authority
	commands *shell.Registry
	authKeys []gossh.PublicKey
	config   *gossh.ServerConfig
	timeout  time.Duration
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a server over db. Only clients holding one of authKeys
// can connect; with none, every connection is rejected.
func NewServer(addr string, key *hostkey.HostKey, db *settings.DB, auth settings.Authority, authKeys []gossh.PublicKey) *Server {
	registry := shell.NewRegistry()
	registry.RegisterBuiltins()

	s := &Server{
		addr:     addr,
		db:       db,
		auth:     auth,
		commands: registry,
		authKeys: authKeys,
		timeout:  shell.DefaultTimeout,
		conns:    make(map[net.Conn]struct{}),
	}
	if len(authKeys) == 0 {
		sshlog.Warn("no authorized keys, all connections will be rejected")
	}

	s.config = &gossh.ServerConfig{
		PublicKeyCallback: s.publicKeyCallback,
	}
	s.config.AddHostKey(key.Signer)
	return s
}

// Listen binds the server socket and freezes the command registry. Call
// Serve to start accepting connections.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.commands.Freeze()
	return nil
}

// Addr returns the listener's address. Useful when listening on :0.
func (s *Server) Addr() string {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// Serve accepts SSH connections until ctx is cancelled. Call Listen first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			sshlog.Warn("accept error", "err", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

// Start is a convenience that calls Listen + Serve.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Stop closes the listener and all active connections.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Commands returns the registry so callers can add commands before Listen.
func (s *Server) Commands() *shell.Registry {
	return s.commands
}

func (s *Server) removeConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) publicKeyCallback(meta gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
	keyBytes := key.Marshal()
	for _, authorized := range s.authKeys {
		if bytes.Equal(keyBytes, authorized.Marshal()) {
			return &gossh.Permissions{}, nil
		}
	}
	return nil, fmt.Errorf("unknown public key for %s", meta.User())
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	defer s.removeConn(conn)

	sshConn, chans, reqs, err := gossh.NewServerConn(conn, s.config)
	if err != nil {
		sshlog.Warn("handshake failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	defer func() { _ = sshConn.Close() }()

	sshlog.Info("client connected", "remote", conn.RemoteAddr(), "user", sshConn.User())
	go gossh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(gossh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			sshlog.Warn("channel accept error", "err", err)
			continue
		}
		go s.handleSession(channel, requests, sshConn.User())
	}
}

func (s *Server) handleSession(ch gossh.Channel, reqs <-chan *gossh.Request, user string) {
	defer func() { _ = ch.Close() }()

	// Wait for pty-req and shell (or exec) before starting.
	// Drain other requests in the background once one is received.
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "shell", "exec":
			var script string
			if req.Type == "exec" {
				var payload struct{ Command string }
				if err := gossh.Unmarshal(req.Payload, &payload); err != nil {
					_ = req.Reply(false, nil)
					continue
				}
				script = payload.Command
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			go func() {
				for req := range reqs {
					if req.WantReply {
						_ = req.Reply(false, nil)
					}
				}
			}()
			status := s.runContext(ch, user, req.Type == "exec", script)
			_, _ = ch.SendRequest("exit-status", false, gossh.Marshal(struct{ Status uint32 }{status}))
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// runContext binds a manager to user for the lifetime of one channel and
// runs either the interactive shell or a one-shot script. It returns the
// exit status reported to the client.
func (s *Server) runContext(ch io.ReadWriter, user string, exec bool, script string) uint32 {
	mgr := settings.NewManager(s.db, s.auth)
	defer mgr.Teardown()
	if err := mgr.Init(user); err != nil {
		_, _ = fmt.Fprintf(ch, "Error: %v\r\n", err)
		return 1
	}
	session, err := shell.NewSession(mgr, s.timeout)
	if err != nil {
		_, _ = fmt.Fprintf(ch, "Error: %v\r\n", err)
		return 1
	}
	defer func() { _ = session.Close() }()

	sshlog.Debug("session joined", "user", user, "exec", exec)
	defer sshlog.Debug("session left", "user", user)

	if exec {
		script = strings.ReplaceAll(script, ";", "\n")
		if err := shell.RunScript(strings.NewReader(script), ch, session, s.commands); err != nil {
			_, _ = fmt.Fprintf(ch, "Error: %v\r\n", err)
			return 1
		}
		return 0
	}
	if err := shell.Run(ch, fmt.Sprintf("[%s]> ", user), session, s.commands); err != nil {
		sshlog.Warn("shell ended", "user", user, "err", err)
		return 1
	}
	return 0
}
