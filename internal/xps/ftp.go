package xps

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/jlaffaye/ftp"
)

// GatheringRemotePath is where GatheringStopAndSave leaves the buffer.
const GatheringRemotePath = "/Admin/Public/Gathering/Gathering.dat"

// Fetcher copies a file from the controller to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, remote, local string) error
}

// FTPFetcher downloads files from the controller's FTP server.
type FTPFetcher struct {
	Addr     string // host or host:port
	User     string
	Password string
	Timeout  time.Duration
}

// Fetch retrieves remote into local, replacing any existing file.
func (f FTPFetcher) Fetch(ctx context.Context, remote, local string) error {
	addr := f.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "21")
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return fmt.Errorf("ftp dial %s: %w", addr, err)
	}
	defer conn.Quit()

	if err := conn.Login(f.User, f.Password); err != nil {
		return fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(remote)
	if err != nil {
		return fmt.Errorf("ftp retr %s: %w", remote, err)
	}
	defer resp.Close()

	out, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp); err != nil {
		out.Close()
		return fmt.Errorf("ftp copy %s: %w", remote, err)
	}
	return out.Close()
}
