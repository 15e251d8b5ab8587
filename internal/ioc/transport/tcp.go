package transport

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sony/gobreaker"

	"github.com/webitel/ioc-runtime/internal/ioc/link"
)

// TcpRange is the default loopback port range (ioc.DefaultConfig's
// TcpPortLow/TcpPortHigh) that onlineService allocates from when a URI names
// protocol "tcp" without an explicit port. connectService requires an
// explicit port.
var TcpRange = struct{ Low, High int }{Low: 19001, High: 25201}

// TcpTransport listens on and dials loopback TCP, wrapping outbound
// (re)connect attempts in a circuit breaker so a peer that is down doesn't
// turn every connectService call into a multi-second dial timeout storm.
type TcpTransport struct {
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker
}

// NewTcpTransport constructs a transport whose dial breaker trips after 5
// consecutive failures and probes again after 3s half-open.
func NewTcpTransport(logger *slog.Logger) *TcpTransport {
	st := gobreaker.Settings{
		Name:        "ioc-tcp-dial",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     3 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &TcpTransport{logger: logger, breaker: gobreaker.NewCircuitBreaker(st)}
}

// Listen opens a loopback listener on port, handing each accepted
// connection's channel to onAccept until stop is closed.
func (t *TcpTransport) Listen(port int, stop <-chan struct{}, onAccept func(link.Channel)) (func() error, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("transport: tcp listen: %w", err)
	}

	go func() {
		<-stop
		ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			onAccept(&tcpConn{conn: conn})
		}
	}()

	return ln.Close, nil
}

// Dial connects to a loopback peer on port, breaker-gated: a tripped
// breaker fails fast with gobreaker.ErrOpenState instead of attempting a
// new TCP handshake against a peer already known to be unreachable.
func (t *TcpTransport) Dial(port int, timeout time.Duration) (link.Channel, error) {
	res, err := t.breaker.Execute(func() (interface{}, error) {
		d := net.Dialer{Timeout: timeout}
		return d.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	})
	if err != nil {
		if t.logger != nil {
			t.logger.Debug("tcp dial failed", slog.Int("port", port), slog.Any("err", err))
		}
		return nil, err
	}
	return &tcpConn{conn: res.(net.Conn)}, nil
}

// State exposes the breaker's current state for introspection.
func (t *TcpTransport) State() gobreaker.State {
	return t.breaker.State()
}
