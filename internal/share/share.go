package share

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/snapvault/backend/internal/config"
)

// Uploader copies files onto a network share, either over FTP or onto a
// locally mounted path. With OrganizeByDate set, files land under a
// YYYY/MM/DD directory tree keyed by the file's capture date.
type Uploader struct {
	cfg config.ShareConfig
}

func New(cfg config.ShareConfig) (*Uploader, error) {
	switch cfg.Protocol {
	case "ftp", "local":
	default:
		return nil, fmt.Errorf("unknown share protocol %q", cfg.Protocol)
	}
	return &Uploader{cfg: cfg}, nil
}

// Upload copies the file to the share and returns the remote path it was
// written to.
func (u *Uploader) Upload(ctx context.Context, localPath, datePartition string) (string, error) {
	if u.cfg.Protocol == "ftp" {
		return u.uploadFTP(ctx, localPath, datePartition)
	}
	return u.uploadLocal(ctx, localPath, datePartition)
}

// Verify checks that the remote file exists and has the expected size.
func (u *Uploader) Verify(ctx context.Context, remotePath string, expectedSize int64) bool {
	if remotePath == "" {
		return false
	}
	if u.cfg.Protocol == "ftp" {
		conn, err := u.dial(ctx)
		if err != nil {
			return false
		}
		defer conn.Quit()
		size, err := conn.FileSize(remotePath)
		return err == nil && size == expectedSize
	}
	info, err := os.Stat(remotePath)
	return err == nil && info.Size() == expectedSize
}

// CheckReachable reports whether the share can currently be written to.
func (u *Uploader) CheckReachable(ctx context.Context) bool {
	if u.cfg.Protocol == "ftp" {
		conn, err := u.dial(ctx)
		if err != nil {
			log.Printf("Share: FTP server unreachable: %v", err)
			return false
		}
		conn.Quit()
		return true
	}
	info, err := os.Stat(u.cfg.Path)
	return err == nil && info.IsDir()
}

func (u *Uploader) remoteDir(datePartition string) string {
	if u.cfg.OrganizeByDate && datePartition != "" {
		return path.Join(u.cfg.Path, datePartition)
	}
	return u.cfg.Path
}

func (u *Uploader) dial(ctx context.Context) (*ftp.ServerConn, error) {
	addr := fmt.Sprintf("%s:%d", u.cfg.Host, u.cfg.Port)
	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to FTP server: %w", err)
	}
	if err := conn.Login(u.cfg.Username, u.cfg.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("FTP login failed: %w", err)
	}
	return conn, nil
}

func (u *Uploader) uploadFTP(ctx context.Context, localPath, datePartition string) (string, error) {
	conn, err := u.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Quit()

	dir := u.remoteDir(datePartition)
	if err := ensureFTPDir(conn, dir); err != nil {
		return "", err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	name := filepath.Base(localPath)
	if err := conn.Stor(name, f); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", name, err)
	}
	return path.Join(dir, name), nil
}

// ensureFTPDir walks down the remote path segment by segment, creating
// directories as needed. MakeDir errors are tolerated because the directory
// usually already exists; the ChangeDir that follows is the real check.
func ensureFTPDir(conn *ftp.ServerConn, dir string) error {
	if err := conn.ChangeDir("/"); err != nil {
		return fmt.Errorf("failed to change to FTP root: %w", err)
	}
	for _, segment := range strings.Split(strings.Trim(dir, "/"), "/") {
		if segment == "" {
			continue
		}
		if err := conn.ChangeDir(segment); err != nil {
			if err := conn.MakeDir(segment); err != nil {
				return fmt.Errorf("failed to create FTP directory %s: %w", segment, err)
			}
			if err := conn.ChangeDir(segment); err != nil {
				return fmt.Errorf("failed to enter FTP directory %s: %w", segment, err)
			}
		}
	}
	return nil
}

func (u *Uploader) uploadLocal(ctx context.Context, localPath, datePartition string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := u.remoteDir(datePartition)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	dst := filepath.Join(dir, filepath.Base(localPath))
	if err := copyAtomic(localPath, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// copyAtomic writes through a temp file in the destination directory and
// renames it into place, so a crash or pulled cable never leaves a partial
// file under the final name.
func copyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.ReadFrom(in); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy to %s: %w", dst, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}
