package ban

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/inercia/bulwark/internal/netutil"
)

// Checker reports whether a subject is banned. *Engine implements it.
type Checker interface {
	IsBanned(ctx context.Context, subject string) bool
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, subject string) bool

func (f CheckerFunc) IsBanned(ctx context.Context, subject string) bool { return f(ctx, subject) }

// RejectedCallback is called when a banned address attempts to connect.
type RejectedCallback func(ip string)

// checkTimeout bounds the ban lookup done for each accepted connection.
const checkTimeout = 250 * time.Millisecond

// FilteredListener wraps a net.Listener and closes connections from banned
// addresses before any byte is read. It is a soft block for hosts where no
// firewall backend is available.
type FilteredListener struct {
	net.Listener
	checker  Checker
	logger   *slog.Logger
	rejected RejectedCallback
}

// NewFilteredListener wraps l.
func NewFilteredListener(l net.Listener, checker Checker, logger *slog.Logger) *FilteredListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteredListener{Listener: l, checker: checker, logger: logger}
}

// SetRejectedCallback sets a callback invoked for each rejected connection.
func (l *FilteredListener) SetRejectedCallback(cb RejectedCallback) {
	l.rejected = cb
}

// Accept returns the next connection from an address that is not banned.
func (l *FilteredListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		ip := netutil.HostFromAddr(conn.RemoteAddr().String())
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		banned := ip != "" && l.checker.IsBanned(ctx, ip)
		cancel()
		if !banned {
			return conn, nil
		}

		conn.Close()
		l.logger.Debug("connection_rejected", "ip", ip)
		if l.rejected != nil {
			l.rejected(ip)
		}
	}
}
