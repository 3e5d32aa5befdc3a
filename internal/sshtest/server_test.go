package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestServerExec(t *testing.T) {
	hostKeyPath := filepath.Join(t.TempDir(), "host_key")
	server, err := NewServer(Config{
		HostKeyPath: hostKeyPath,
		Passwords:   map[string]string{"nagios": "secret"},
		Handler: func(user, command string) Reply {
			if command == "check_load" {
				return Reply{Stdout: "LOAD WARNING", Stderr: "high load\n", ExitStatus: 1}
			}
			return Reply{Stdout: user + " ran " + command}
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer server.Close()

	client, err := ssh.Dial("tcp", server.Addr(), &ssh.ClientConfig{
		User:            "nagios",
		Auth:            []ssh.AuthMethod{ssh.Password("secret")},
		HostKeyCallback: ssh.FixedHostKey(server.HostKey()),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("ssh dial: %v", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	out, err := session.Output("uptime")
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	if string(out) != "nagios ran uptime" {
		t.Errorf("unexpected output %q", out)
	}

	session, err = client.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	_, err = session.Output("check_load")
	var exitErr *ssh.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitStatus() != 1 {
		t.Fatalf("expected exit status 1, got %v", err)
	}

	if got := server.Connections(); got != 1 {
		t.Errorf("expected 1 connection, got %d", got)
	}
	if cmds := server.Commands(); len(cmds) != 2 || cmds[1] != "check_load" {
		t.Errorf("unexpected commands %v", cmds)
	}

	// The host key survives a restart when persisted.
	again, err := NewServer(Config{HostKeyPath: hostKeyPath, Handler: func(string, string) Reply { return Reply{} }})
	if err != nil {
		t.Fatalf("reload server: %v", err)
	}
	if string(again.HostKey().Marshal()) != string(server.HostKey().Marshal()) {
		t.Error("host key changed across restarts")
	}
}

func TestServerRejectsBadCredentials(t *testing.T) {
	_, authorized, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(authorized)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	_, other, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	otherSigner, err := ssh.NewSignerFromKey(other)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	server, err := NewServer(Config{
		Passwords:      map[string]string{"nagios": "secret"},
		AuthorizedKeys: []ssh.PublicKey{signer.PublicKey()},
		Handler:        func(string, string) Reply { return Reply{} },
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer server.Close()

	dial := func(auth ssh.AuthMethod) error {
		client, err := ssh.Dial("tcp", server.Addr(), &ssh.ClientConfig{
			User:            "nagios",
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         5 * time.Second,
		})
		if err == nil {
			client.Close()
		}
		return err
	}

	if err := dial(ssh.Password("wrong")); err == nil {
		t.Error("expected wrong password to fail")
	}
	if err := dial(ssh.PublicKeys(otherSigner)); err == nil {
		t.Error("expected unknown key to fail")
	}
	if err := dial(ssh.PublicKeys(signer)); err != nil {
		t.Errorf("expected authorized key to succeed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for server.Connections() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := server.Connections(); got != 1 {
		t.Errorf("expected 1 connection, got %d", got)
	}
}

func TestServerHangKeepsCommandRunning(t *testing.T) {
	server, err := NewServer(Config{
		Passwords: map[string]string{"nagios": "secret"},
		Handler:   func(string, string) Reply { return Reply{Hang: true} },
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer server.Close()

	client, err := ssh.Dial("tcp", server.Addr(), &ssh.ClientConfig{
		User:            "nagios",
		Auth:            []ssh.AuthMethod{ssh.Password("secret")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("ssh dial: %v", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	// A nil Stdin makes the client send EOF right after Start.
	if err := session.Start("sleep 3600"); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err := <-done:
		t.Fatalf("command finished while it should hang: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	session.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("command still running after the client closed the channel")
	}
}
