package testutil

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
)

// Handler processes one NNTP command line (CRLF included) and returns the
// raw response. A non-nil error closes the connection, simulating a drop.
type Handler func(cmd string) (response string, err error)

// ServerConfig configures a mock NNTP server.
type ServerConfig struct {
	// Greeting defaults to "200 Service Ready".
	Greeting string
	// Handler processes commands after the greeting.
	Handler Handler
}

// Server is a real TCP mock NNTP server.
type Server struct {
	addr         string
	listener     net.Listener
	connections  int32
	bodyRequests int32
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.addr }

// Host and Port split the listen address for provider configs.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.addr)
	return host
}

func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.addr)
	var p int
	_, _ = fmt.Sscanf(port, "%d", &p)
	return p
}

// ConnectionCount returns how many connections were accepted.
func (s *Server) ConnectionCount() int {
	return int(atomic.LoadInt32(&s.connections))
}

// BodyRequestCount returns how many BODY commands were seen.
func (s *Server) BodyRequestCount() int {
	return int(atomic.LoadInt32(&s.bodyRequests))
}

// Close shuts the server down.
func (s *Server) Close() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// StartServer starts a mock NNTP server on a loopback port and registers
// its teardown with the test.
func StartServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	greeting := cfg.Greeting
	if greeting == "" {
		greeting = "200 Service Ready\r\n"
	}

	srv := &Server{
		addr:     l.Addr().String(),
		listener: l,
	}

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&srv.connections, 1)

			go func(c net.Conn) {
				defer func() { _ = c.Close() }()

				if _, err := c.Write([]byte(greeting)); err != nil {
					return
				}

				r := bufio.NewReader(c)
				for {
					cmd, err := r.ReadString('\n')
					if err != nil {
						return
					}

					if strings.HasPrefix(cmd, "BODY") {
						atomic.AddInt32(&srv.bodyRequests, 1)
					}

					response, handlerErr := cfg.Handler(cmd)
					if response != "" {
						if _, err := c.Write([]byte(response)); err != nil {
							return
						}
					}
					if handlerErr != nil {
						return
					}
				}
			}(conn)
		}
	}()

	t.Cleanup(srv.Close)

	return srv
}

// ArticleHandler serves yEnc-encoded articles by message-ID from the given
// map, answering 430 for unknown IDs and supporting DATE, STAT and QUIT.
func ArticleHandler(articles map[string][]byte) Handler {
	return func(cmd string) (string, error) {
		switch {
		case strings.HasPrefix(cmd, "BODY"):
			id := messageID(cmd)
			data, ok := articles[id]
			if !ok {
				return "430 No Such Article\r\n", nil
			}
			body := EncodeYenc(data, id+".bin")
			return fmt.Sprintf("222 0 <%s> body follows\r\n%s.\r\n", id, body), nil
		case strings.HasPrefix(cmd, "STAT"):
			id := messageID(cmd)
			if _, ok := articles[id]; !ok {
				return "430 No Such Article\r\n", nil
			}
			return fmt.Sprintf("223 0 <%s>\r\n", id), nil
		case strings.HasPrefix(cmd, "DATE"):
			return "111 20240101000000\r\n", nil
		case strings.HasPrefix(cmd, "QUIT"):
			return "205 Bye\r\n", nil
		default:
			return "500 Unknown Command\r\n", nil
		}
	}
}

// NotFoundHandler answers every article request with 430.
func NotFoundHandler() Handler {
	return ArticleHandler(nil)
}

// DropHandler closes the connection on the first BODY command, simulating a
// provider reset mid-request.
func DropHandler() Handler {
	return func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "BODY") {
			return "", fmt.Errorf("simulated connection drop")
		}
		if strings.HasPrefix(cmd, "QUIT") {
			return "205 Bye\r\n", nil
		}
		return "500 Unknown Command\r\n", nil
	}
}

// CorruptHandler serves a yEnc body whose declared CRC cannot match,
// for exercising decode-failure failover.
func CorruptHandler(articles map[string][]byte) Handler {
	return func(cmd string) (string, error) {
		switch {
		case strings.HasPrefix(cmd, "BODY"):
			id := messageID(cmd)
			data, ok := articles[id]
			if !ok {
				return "430 No Such Article\r\n", nil
			}
			body := EncodeYenc(data, id+".bin")
			body = strings.Replace(body, "crc32=", "crc32=deadbeef ignore=", 1)
			return fmt.Sprintf("222 0 <%s> body follows\r\n%s.\r\n", id, body), nil
		case strings.HasPrefix(cmd, "QUIT"):
			return "205 Bye\r\n", nil
		default:
			return "500 Unknown Command\r\n", nil
		}
	}
}

// messageID extracts the <id> argument of a BODY/STAT command.
func messageID(cmd string) string {
	start := strings.IndexByte(cmd, '<')
	end := strings.IndexByte(cmd, '>')
	if start < 0 || end <= start {
		return ""
	}
	return cmd[start+1 : end]
}
