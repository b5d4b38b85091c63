package nntp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"time"
)

// conn is one authenticated, stateful NNTP session. It is lent to exactly one
// in-flight request at a time; the owning pool is the only component that
// opens or closes the underlying socket.
type conn struct {
	netconn   net.Conn
	text      *textproto.Conn
	createdAt time.Time
	maxAge    time.Duration
	timeout   time.Duration
}

// dialConn opens, greets and authenticates a new NNTP session.
func dialConn(ctx context.Context, cfg ProviderConfig) (*conn, error) {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}

	netconn, err := dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Address(), err)
	}

	if cfg.TLS {
		tlsConfig := &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
		if cfg.InsecureTLS {
			tlsConfig.InsecureSkipVerify = true
		}
		netconn = tls.Client(netconn, tlsConfig)
	}

	c := &conn{
		netconn:   netconn,
		text:      textproto.NewConn(netconn),
		createdAt: time.Now(),
		maxAge:    cfg.MaxConnectionTTL,
		timeout:   cfg.ReadTimeout,
	}

	c.extendDeadline()

	// Greeting: 200 for posting-allowed, 201 for read-only servers.
	if _, _, err := c.text.ReadCodeLine(StatusServiceReady); err != nil {
		if _, _, err2 := c.text.ReadCodeLine(StatusServiceReadyNoPost); err2 != nil {
			_ = c.text.Close()
			return nil, fmt.Errorf("greeting: %w", err)
		}
	}

	if cfg.Username != "" {
		if err := c.authenticate(cfg.Username, cfg.Password); err != nil {
			_ = c.text.Close()
			return nil, err
		}
	}

	return c, nil
}

// authenticate performs the AUTHINFO USER/PASS exchange.
func (c *conn) authenticate(username, password string) error {
	code, _, err := c.sendCmd(StatusPasswordRequired, "AUTHINFO USER %s", username)
	switch code {
	case StatusAuthAccepted:
		return nil
	case StatusPasswordRequired:
		// Need password.
	default:
		return fmt.Errorf("authentication rejected: %w", err)
	}

	if _, _, err := c.sendCmd(StatusAuthAccepted, "AUTHINFO PASS %s", password); err != nil {
		return fmt.Errorf("authentication rejected: %w", err)
	}
	return nil
}

// body fetches the raw, dot-decoded body of an article. yEnc decoding is the
// caller's concern; raw bytes let the manager retry the decode against a
// different provider on corruption.
func (c *conn) body(msgID string) ([]byte, error) {
	c.extendDeadline()

	id, err := c.text.Cmd("BODY <%s>", msgID)
	if err != nil {
		return nil, err
	}

	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	if _, _, err := c.text.ReadCodeLine(StatusBodyFollows); err != nil {
		return nil, err
	}

	return io.ReadAll(c.text.DotReader())
}

// stat checks whether the provider carries an article, without fetching it.
func (c *conn) stat(msgID string) error {
	c.extendDeadline()

	_, _, err := c.sendCmd(StatusArticleExists, "STAT <%s>", msgID)
	return err
}

// date issues the cheapest liveness command the protocol has.
func (c *conn) date() error {
	c.extendDeadline()

	_, _, err := c.sendCmd(StatusDate, "DATE")
	return err
}

func (c *conn) sendCmd(expectCode int, format string, args ...any) (int, string, error) {
	id, err := c.text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}

	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	return c.text.ReadCodeLine(expectCode)
}

// expired reports whether the session has outlived its configured TTL and
// should be destroyed instead of reused.
func (c *conn) expired() bool {
	return c.maxAge > 0 && time.Since(c.createdAt) > c.maxAge
}

func (c *conn) extendDeadline() {
	if c.timeout > 0 {
		_ = c.netconn.SetDeadline(time.Now().Add(c.timeout))
	}
}

// close quits politely, then tears down the socket either way.
func (c *conn) close() error {
	_, _, _ = c.sendCmd(StatusConnectionClosing, "QUIT")
	return c.text.Close()
}
