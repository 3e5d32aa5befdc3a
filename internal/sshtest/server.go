// Package sshtest runs an in-process SSH server that executes commands
// through a Go handler. It backs the session, check and policy tests.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/Extra-Chill/connector-ssh/internal/logging"
)

// Reply describes how the server answers one exec request.
type Reply struct {
	Stdout     string
	Stderr     string
	ExitStatus int
	// NoExitStatus closes the channel without sending an exit status.
	NoExitStatus bool
	// Hang keeps the channel open until the client closes it or the server
	// shuts down.
	Hang bool
}

// Handler answers an exec request for a user.
type Handler func(user, command string) Reply

// Config configures a test server.
type Config struct {
	Addr string
	// HostKeyPath is loaded or created on first use. An in-memory key is
	// generated when empty.
	HostKeyPath string
	// Passwords maps users to their accepted password.
	Passwords map[string]string
	// AuthorizedKeys are accepted for any user.
	AuthorizedKeys []ssh.PublicKey
	Handler        Handler
}

// Server is an SSH server executing commands through a Handler.
type Server struct {
	config    Config
	sshConfig *ssh.ServerConfig
	hostKey   ssh.Signer
	listener  net.Listener
	log       zerolog.Logger

	mu          sync.Mutex
	closed      bool
	conns       map[net.Conn]struct{}
	connections int
	commands    []string
	wg          sync.WaitGroup
}

// NewServer prepares a server. Start must be called to accept connections.
func NewServer(config Config) (*Server, error) {
	if config.Addr == "" {
		config.Addr = "127.0.0.1:0"
	}
	if config.Handler == nil {
		return nil, errors.New("sshtest handler required")
	}

	signer, err := loadOrCreateHostKey(config.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load host key: %w", err)
	}

	authorized := make(map[string]struct{})
	for _, key := range config.AuthorizedKeys {
		authorized[string(key.Marshal())] = struct{}{}
	}

	sshConfig := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if want, ok := config.Passwords[conn.User()]; ok && want == string(password) {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", conn.User())
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if _, ok := authorized[string(key.Marshal())]; ok {
				return nil, nil
			}
			return nil, fmt.Errorf("unauthorized key for %s", conn.User())
		},
	}
	sshConfig.AddHostKey(signer)

	return &Server{
		config:    config,
		sshConfig: sshConfig,
		hostKey:   signer,
		conns:     make(map[net.Conn]struct{}),
		log:       logging.Component("sshtest"),
	}, nil
}

// Start begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.wg.Add(1)
	go s.serve()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// Connections returns the number of successful SSH handshakes.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Open returns the number of connections still held by the server.
func (s *Server) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Commands returns the executed commands in arrival order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// DropConnections closes every open connection, keeping the listener.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// Close stops the listener, drops connections and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.log.Error().Err(err).Msg("accept error")
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConn(netConn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(netConn)
	defer netConn.Close()

	sshConn, channels, requests, err := ssh.NewServerConn(netConn, s.sshConfig)
	if err != nil {
		s.log.Debug().Err(err).Msg("ssh handshake failed")
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.connections++
	s.mu.Unlock()

	go ssh.DiscardRequests(requests)

	var channelsWG sync.WaitGroup
	defer channelsWG.Wait()
	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		newChannel := newChannel
		channelsWG.Add(1)
		go func() {
			defer channelsWG.Done()
			s.handleSession(sshConn.User(), newChannel)
		}()
	}
}

type execRequest struct {
	Command string
}

type exitStatus struct {
	Status uint32
}

func (s *Server) handleSession(user string, newChannel ssh.NewChannel) {
	channel, requests, err := newChannel.Accept()
	if err != nil {
		s.log.Debug().Err(err).Msg("channel accept failed")
		return
	}
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		var payload execRequest
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()
		req.Reply(true, nil)

		reply := s.config.Handler(user, payload.Command)
		if reply.Hang {
			// requests is closed once the client closes the channel or the
			// connection drops. Stdin EOF does not end the command.
			ssh.DiscardRequests(requests)
			return
		}
		go ssh.DiscardRequests(requests)
		s.reply(channel, reply)
		return
	}
}

func (s *Server) reply(channel ssh.Channel, reply Reply) {
	if reply.Stdout != "" {
		_, _ = io.WriteString(channel, reply.Stdout)
	}
	if reply.Stderr != "" {
		_, _ = io.WriteString(channel.Stderr(), reply.Stderr)
	}
	_ = channel.CloseWrite()
	if !reply.NoExitStatus {
		status := exitStatus{Status: uint32(reply.ExitStatus)}
		_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&status))
	}
}

func loadOrCreateHostKey(path string) (ssh.Signer, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return ssh.ParsePrivateKey(data)
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return ssh.NewSignerFromKey(privateKey)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	pemBlock, err := ssh.MarshalPrivateKey(privateKey, "")
	if err != nil {
		return nil, err
	}
	pemBytes := pem.EncodeToMemory(pemBlock)
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(pemBytes)
}
