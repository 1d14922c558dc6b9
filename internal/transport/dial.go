package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v5"

	"github.com/taskexec/evaluator/internal/retry"
)

// ServerAddr is one resolved candidate address to try connecting to,
// paired with the password (if any) carried in the URL's userinfo.
type ServerAddr struct {
	Host     string
	Password string
}

// ParseServerURL parses a "tcp://[password@]host[:port][/]" URL the way
// remote.rs's connect_to_remote_server does: only the tcp scheme is
// accepted, no path is allowed, and a missing port falls back to
// defaultPort. A bare "host:port" with no scheme is treated as tcp too.
func ParseServerURL(raw string, defaultPort uint16) ([]ServerAddr, error) {
	toParse := raw
	if !strings.Contains(raw, "://") {
		// A bare "host:port" parses as a URL with the host part taken for
		// Scheme (e.g. "localhost:9000" -> Scheme "localhost", Opaque
		// "9000"), not as a relative reference, so detect the absence of
		// "://" explicitly rather than relying on a failed/relative parse.
		toParse = "tcp://" + raw
	}
	u, err := url.Parse(toParse)
	if err != nil {
		return nil, fmt.Errorf("transport: parse server url: %w", err)
	}

	if u.Scheme != "tcp" {
		return nil, fmt.Errorf("transport: unsupported server address scheme %q, only tcp is supported", u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("transport: no path should be provided to the server address, got %q", u.Path)
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(int(defaultPort))
	}
	password := ""
	if u.User != nil {
		// "password@host" parses as a username-only userinfo.
		password = u.User.Username()
		if p, ok := u.User.Password(); ok {
			password = p
		}
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve server address %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("transport: cannot resolve server address %q", host)
	}

	addrs := make([]ServerAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ServerAddr{Host: net.JoinHostPort(ip, port), Password: password})
	}
	return addrs, nil
}

// Dial connects to one of raw's resolved addresses, deriving and wrapping
// the connection in encryption when a password is present. It mirrors
// connect_to_remote_server's address-iteration loop: a transient (I/O)
// failure moves on to the next resolved address with backoff between
// attempts; a non-transient failure (classified by internal/retry) aborts
// immediately rather than wasting time on addresses that will fail the
// same way.
func Dial(ctx context.Context, raw string, defaultPort uint16) (*EncryptedConn, error) {
	addrs, err := ParseServerURL(raw, defaultPort)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := dialOneWithBackoff(ctx, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !retry.IsRetryable(err) {
			break
		}
	}
	return nil, fmt.Errorf("transport: failed to connect to the server: %w", lastErr)
}

func dialOneWithBackoff(ctx context.Context, addr ServerAddr) (*EncryptedConn, error) {
	op := func() (*EncryptedConn, error) {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr.Host)
		if err != nil {
			return nil, err
		}
		if addr.Password == "" {
			conn.Close()
			return nil, backoff.Permanent(fmt.Errorf("transport: unauthenticated channel not supported, a password is required"))
		}
		key, err := DeriveKey(addr.Password)
		if err != nil {
			conn.Close()
			return nil, backoff.Permanent(err)
		}
		ec, err := NewEncryptedConn(conn, key, true)
		if err != nil {
			conn.Close()
			return nil, backoff.Permanent(err)
		}
		return ec, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
}

// Listen starts listening for incoming encrypted connections on addr.
// Accept wraps each accepted net.Conn the same way Dial wraps its side.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Accept wraps an accepted connection in the encrypted channel, deriving
// the same key from password that the dialing side derived.
func Accept(conn net.Conn, password string) (*EncryptedConn, error) {
	key, err := DeriveKey(password)
	if err != nil {
		return nil, err
	}
	return NewEncryptedConn(conn, key, false)
}
