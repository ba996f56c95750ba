package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// LocalScheme marks file references produced by the local image service
// instead of downloaded from the server.
const LocalScheme = "local://"

const defaultLocalTimeout = 5 * time.Minute

var ErrLocalUnavailable = errors.New("local image service not configured")

func IsLocal(rawURL string) bool {
	return strings.HasPrefix(rawURL, LocalScheme)
}

// LocalSource asks the companion image service to render a file:
//
//	RENDER <ref> <dest>\n  ->  OK <bytes>\n | ERR <message>\n
type LocalSource struct {
	Address string
	Timeout time.Duration
}

func (s *LocalSource) Render(ctx context.Context, rawURL, dest string) (int64, error) {
	op := "local render " + rawURL
	if s == nil || s.Address == "" {
		return 0, &Error{Category: CategoryProtocol, Op: op, Err: ErrLocalUnavailable}
	}
	ref := strings.TrimPrefix(rawURL, LocalScheme)
	if ref == "" || strings.ContainsAny(ref, " \r\n") || strings.ContainsAny(dest, "\r\n") {
		return 0, protocolError(op, fmt.Errorf("invalid reference %q", rawURL))
	}

	timeout := s.Timeout
	if timeout == 0 {
		timeout = defaultLocalTimeout
	}
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", s.Address)
	if err != nil {
		return 0, transportError(op, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := fmt.Fprintf(conn, "RENDER %s %s\n", ref, dest); err != nil {
		return 0, transportError(op, err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return 0, transportError(op, err)
	}
	line = strings.TrimRight(line, "\r\n")

	status, rest, _ := strings.Cut(line, " ")
	switch status {
	case "OK":
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return 0, protocolError(op, fmt.Errorf("invalid byte count %q", rest))
		}
		return n, nil
	case "ERR":
		return 0, &Error{Category: CategoryServer, Op: op, Err: errors.New(rest)}
	default:
		return 0, protocolError(op, fmt.Errorf("unexpected response %q", line))
	}
}
