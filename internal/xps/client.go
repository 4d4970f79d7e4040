// Package xps drives a Newport XPS motion controller through its TCP text
// API and exposes the delay stage, its motion profile and the hardware
// gathering buffer to the scan engine. Every call reports a (code, message)
// status; link failures are folded into the same protocol.
package xps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/thz.scan/internal/device"
	"github.com/banshee-data/thz.scan/internal/monitoring"
)

var logf = monitoring.Component("xps")

const (
	// DefaultPort is the controller's command socket.
	DefaultPort = 5001

	endOfAPI = "EndOfAPI"
)

var ErrMalformedReply = errors.New("malformed controller reply")

// Options configures a Client.
type Options struct {
	DialTimeout time.Duration // default 5s
	CallTimeout time.Duration // default 30s, for non-motion calls
	// MoveTimeout bounds GroupMove* calls, which block until the motion ends.
	// Zero means no deadline: a slow gathering sweep can take minutes.
	MoveTimeout time.Duration
	User        string
	Password    string
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	return o
}

// Reply is a decoded controller response.
type Reply struct {
	Code   int
	Values []string
}

// Client is one command socket. Calls are serialised; the controller
// processes one request per socket at a time.
type Client struct {
	opts Options
	addr string

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

// Dial connects to the controller and logs in when credentials are set.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}

	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial controller %s: %w", addr, err)
	}
	c := newClient(conn, addr, opts)

	if opts.User != "" {
		reply, err := c.Call(ctx, "Login", opts.User, opts.Password)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("login to %s: %w", addr, err)
		}
		if reply.Code != 0 {
			conn.Close()
			return nil, fmt.Errorf("login to %s: controller code %d", addr, reply.Code)
		}
	}
	logf("connected to %s", addr)
	return c, nil
}

func newClient(conn net.Conn, addr string, opts Options) *Client {
	return &Client{opts: opts.withDefaults(), addr: addr, conn: conn, rd: bufio.NewReader(conn)}
}

// Addr returns the controller address.
func (c *Client) Addr() string { return c.addr }

// Close closes the socket. Subsequent calls report CodeNotConnected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) timeoutFor(function string) time.Duration {
	if strings.HasPrefix(function, "GroupMove") {
		return c.opts.MoveTimeout
	}
	return c.opts.CallTimeout
}

// Call sends function(args...) and reads the reply up to EndOfAPI. A nonzero
// reply code is not an error; err is only set for link failures.
func (c *Client) Call(ctx context.Context, function string, args ...string) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return Reply{}, net.ErrClosed
	}

	deadline := time.Time{}
	if t := c.timeoutFor(function); t > 0 {
		deadline = time.Now().Add(t)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Reply{}, c.dropLocked(function, err)
	}

	request := function + "(" + strings.Join(args, ",") + ")"
	if _, err := c.conn.Write([]byte(request)); err != nil {
		return Reply{}, c.dropLocked(function, err)
	}

	raw, err := c.readReply()
	if err != nil {
		return Reply{}, c.dropLocked(function, err)
	}
	reply, err := parseReply(raw)
	if err != nil {
		return Reply{}, c.dropLocked(function, err)
	}
	return reply, nil
}

// dropLocked closes the socket after a failed exchange. A late reply would
// otherwise be read as the answer to the next request.
func (c *Client) dropLocked(function string, err error) error {
	logf("%s on %s failed, closing link: %v", function, c.addr, err)
	c.conn.Close()
	c.conn = nil
	c.rd = nil
	return err
}

// Alive reports whether the socket is still open.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) readReply() (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1024)
	for {
		n, err := c.rd.Read(buf)
		sb.Write(buf[:n])
		if strings.Contains(sb.String(), endOfAPI) {
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
	}
}

func parseReply(raw string) (Reply, error) {
	body, _, found := strings.Cut(raw, endOfAPI)
	if !found {
		return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, raw)
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), ",")
	fields := strings.Split(body, ",")
	code, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, raw)
	}
	values := make([]string, 0, len(fields)-1)
	for _, f := range fields[1:] {
		values = append(values, strings.TrimSpace(f))
	}
	return Reply{Code: code, Values: values}, nil
}

// linkStatus folds a transport error into the polled-status protocol.
func linkStatus(err error) device.Status {
	var netErr net.Error
	switch {
	case errors.Is(err, net.ErrClosed):
		return device.LinkFailure(device.CodeNotConnected, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return device.LinkFailure(device.CodeTimeout, err)
	case errors.Is(err, ErrMalformedReply):
		return device.LinkFailure(device.CodeMalformedReply, err)
	default:
		return device.LinkFailure(device.CodeConnectionLost, err)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
