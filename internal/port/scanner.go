package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/oracle"
	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// listenerCacheTTL bounds how long one connection-table read is reused.
// A sweep asks for many ports in quick succession; the table is read once.
const listenerCacheTTL = time.Second

// Scanner checks ports on the host machine.
//
// Bind probes use the operating system's network stack (net.Listen) rather
// than parsing /proc/net/* or relying on external commands like `lsof`,
// which may require elevated permissions. Listening PIDs come from the
// connection table via gopsutil.
type Scanner struct {
	timeout time.Duration
	client  *http.Client

	mu        sync.Mutex
	listeners map[int]int
	readAt    time.Time
}

var _ oracle.Prober = (*Scanner)(nil)

// NewScanner creates a Scanner whose dials and HTTP probes time out after
// timeout.
func NewScanner(timeout time.Duration) *Scanner {
	return &Scanner{
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
			// a redirect is an answer; do not follow it off-host
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

// IsPortFree reports whether the port can be bound.
//
// We bind to all interfaces (":port" rather than "127.0.0.1:port") because
// Docker typically publishes ports on 0.0.0.0, so we need to check the same
// address space to avoid false positives. The listener is closed at once.
func (s *Scanner) IsPortFree(ctx context.Context, port int) (bool, error) {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return false, nil
		}
		return false, fmt.Errorf("bind probe of port %d: %w", port, err)
	}
	_ = listener.Close()
	return true, nil
}

// ListeningPID returns the PID owning the TCP listener on port. ok is
// false when there is no listener or its owner is not visible to this
// user.
func (s *Scanner) ListeningPID(ctx context.Context, port int) (int, bool, error) {
	listeners, err := s.Listeners(ctx)
	if err != nil {
		return 0, false, err
	}
	pid, ok := listeners[port]
	if !ok || pid <= 0 {
		return 0, false, nil
	}
	return pid, true, nil
}

// Listeners returns every listening TCP port with its owning PID (0 when
// unknown). Results are cached for listenerCacheTTL.
func (s *Scanner) Listeners(ctx context.Context) (map[int]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners != nil && time.Since(s.readAt) < listenerCacheTTL {
		return s.listeners, nil
	}

	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, oracle.Transient(fmt.Errorf("failed to read connection table: %w", err))
	}
	listeners := make(map[int]int)
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		port := int(c.Laddr.Port)
		if existing, ok := listeners[port]; !ok || existing == 0 {
			listeners[port] = int(c.Pid)
		}
	}
	s.listeners = listeners
	s.readAt = time.Now()
	return listeners, nil
}

// HTTPProbe sends GET http://127.0.0.1:<port><path>. Any response below
// 500 counts as healthy. A refused connection is a definite failure;
// timeouts and resets are reported as transient errors.
func (s *Scanner) HTTPProbe(ctx context.Context, port int, path string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d%s", port, path), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", "worktree-registry-health")
	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return false, nil
		}
		return false, oracle.Transient(err)
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError, nil
}

// Dial reports whether a TCP connection to 127.0.0.1:<port> succeeds.
func (s *Scanner) Dial(ctx context.Context, port int) (bool, error) {
	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return false, nil
		}
		return false, oracle.Transient(err)
	}
	_ = conn.Close()
	return true, nil
}

// Process describes pid. Fields the current user may not read (such as
// another user's working directory) are left empty.
func (s *Scanner) Process(ctx context.Context, pid int) (oracle.ProcessInfo, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return oracle.ProcessInfo{}, fmt.Errorf("process %d: %w", pid, err)
	}
	info := oracle.ProcessInfo{PID: pid}
	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if cwd, err := p.CwdWithContext(ctx); err == nil {
		info.Cwd = cwd
	}
	return info, nil
}
