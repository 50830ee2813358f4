package ami

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

const testBanner = "Asterisk Call Manager/5.0.2\r\n"

// startFakeAMI starts a one-shot manager endpoint. The handler receives the
// accepted connection after the banner has been written.
func startFakeAMI(t *testing.T, handler func(conn net.Conn, r *bufio.Reader)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.WriteString(conn, testBanner)
		handler(conn, bufio.NewReader(conn))
	}()

	return ln.Addr().String()
}

// pongLoop acknowledges every action so the client read deadline keeps
// being extended.
func pongLoop(conn net.Conn, r *bufio.Reader) {
	for {
		if _, err := readFrame(r); err != nil {
			return
		}
		io.WriteString(conn, "Response: Success\r\nPing: Pong\r\n\r\n")
	}
}

func testClient(cfg Config) *Client {
	return NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunOncePlainLoginDeliversEvents(t *testing.T) {
	loginFrames := make(chan Event, 1)
	addr := startFakeAMI(t, func(conn net.Conn, r *bufio.Reader) {
		frame, err := readFrame(r)
		if err != nil {
			return
		}
		loginFrames <- frame
		io.WriteString(conn, "Response: Success\r\nMessage: Authentication accepted\r\n\r\n")
		io.WriteString(conn, "Event: Newchannel\r\nUniqueid: 1.1\r\nCallerIDNum: 89991234567\r\n\r\n")
		io.WriteString(conn, "Event: Hangup\r\nUniqueid: 1.1\r\n\r\n")
		pongLoop(conn, r)
	})

	c := testClient(Config{Username: "sync", Secret: "s3cret", Auth: "plain", PingInterval: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.runOnce(ctx, addr) }()

	select {
	case login := <-loginFrames:
		if login["Action"] != "Login" || login["Username"] != "sync" || login["Secret"] != "s3cret" {
			t.Errorf("unexpected login frame: %v", login)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for login frame")
	}

	for _, want := range []string{"Newchannel", "Hangup"} {
		select {
		case ev := <-c.Events():
			if ev.Name() != want {
				t.Errorf("expected %s, got %s", want, ev.Name())
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	if !c.Connected() {
		t.Error("client should report connected after login")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runOnce did not return after context cancel")
	}
}

func TestRunOnceMD5Login(t *testing.T) {
	const challenge = "8864437"
	keys := make(chan string, 1)

	addr := startFakeAMI(t, func(conn net.Conn, r *bufio.Reader) {
		frame, err := readFrame(r)
		if err != nil || frame["Action"] != "Challenge" {
			return
		}
		io.WriteString(conn, "Response: Success\r\nChallenge: "+challenge+"\r\n\r\n")

		frame, err = readFrame(r)
		if err != nil || frame["Action"] != "Login" {
			return
		}
		keys <- frame["Key"]
		io.WriteString(conn, "Response: Success\r\n\r\n")
		pongLoop(conn, r)
	})

	c := testClient(Config{Username: "sync", Secret: "s3cret", Auth: "md5", PingInterval: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.runOnce(ctx, addr) }()

	sum := md5.Sum([]byte(challenge + "s3cret"))
	want := hex.EncodeToString(sum[:])

	select {
	case got := <-keys:
		if got != want {
			t.Errorf("md5 key = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for login")
	}

	cancel()
	<-done
}

func TestRunOnceLoginRejected(t *testing.T) {
	addr := startFakeAMI(t, func(conn net.Conn, r *bufio.Reader) {
		if _, err := readFrame(r); err != nil {
			return
		}
		io.WriteString(conn, "Response: Error\r\nMessage: Authentication failed\r\n\r\n")
	})

	c := testClient(Config{Username: "sync", Secret: "wrong", Auth: "plain", PingInterval: 50 * time.Millisecond})

	err := c.runOnce(context.Background(), addr)
	if err == nil || !strings.Contains(err.Error(), "login failed") {
		t.Errorf("expected login failure, got %v", err)
	}
	if c.Connected() {
		t.Error("client must not report connected after rejected login")
	}
}

func TestRunOnceRejectsForeignBanner(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.WriteString(conn, "SSH-2.0-OpenSSH_9.6\r\n")
	}()

	c := testClient(Config{Username: "sync", Secret: "s", Auth: "plain", PingInterval: 50 * time.Millisecond})

	err = c.runOnce(context.Background(), ln.Addr().String())
	if err == nil || !strings.Contains(err.Error(), "banner") {
		t.Errorf("expected banner error, got %v", err)
	}
}
