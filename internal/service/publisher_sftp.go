package service

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"
)

const sftpUploadConcurrency = 8

// SFTPPublisher uploads releases over SFTP and swaps a remote current
// symlink with a POSIX rename, which is atomic on the server.
type SFTPPublisher struct {
	logger  zerolog.Logger
	timeout time.Duration
}

func NewSFTPPublisher(logger zerolog.Logger) *SFTPPublisher {
	return &SFTPPublisher{
		logger:  logger.With().Str("component", "sftp_publisher").Logger(),
		timeout: 30 * time.Second,
	}
}

func (p *SFTPPublisher) Publish(ctx context.Context, req PublishRequest) (string, error) {
	client, err := p.connect(ctx, req.Hosting)
	if err != nil {
		return "", err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return "", fmt.Errorf("err starting sftp session: %w", err)
	}
	defer sc.Close()

	return p.publish(ctx, sc, req)
}

// publish uploads req's artifact as a new release over an open session and
// points current at it.
func (p *SFTPPublisher) publish(ctx context.Context, sc *sftp.Client, req PublishRequest) (string, error) {
	root := req.Hosting.Path
	releases := path.Join(root, "releases")
	dst := path.Join(releases, req.Release)
	partial := dst + ".partial"
	current := path.Join(root, "current")

	if live, err := sc.ReadLink(current); err == nil && path.Base(live) == req.Release {
		return "", fmt.Errorf("release %s is live and cannot be replaced", req.Release)
	}
	for _, p := range []string{dst, partial} {
		if err := removeRemote(sc, p); err != nil {
			return "", err
		}
	}
	if err := uploadDir(ctx, sc, req.Artifact.Dir, partial); err != nil {
		return "", fmt.Errorf("err uploading release: %w", err)
	}
	if err := sc.PosixRename(partial, dst); err != nil {
		return "", err
	}

	if info, err := sc.Lstat(current); err == nil && info.Mode()&os.ModeSymlink == 0 {
		return "", fmt.Errorf("refusing to replace %s: not a symlink", current)
	}
	tmp := current + ".swap-" + uuid.NewString()[:8]
	if err := sc.Symlink(path.Join("releases", req.Release), tmp); err != nil {
		return "", err
	}
	if err := sc.PosixRename(tmp, current); err != nil {
		_ = sc.Remove(tmp)
		return "", err
	}

	entries, err := sc.ReadDir(releases)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && path.Ext(e.Name()) == "" {
			names = append(names, e.Name())
		}
	}
	for _, name := range releasesToPrune(names, req.Release, req.KeepReleases) {
		if err := removeRemote(sc, path.Join(releases, name)); err != nil {
			p.logger.Warn().Err(err).Str("release", name).Msg("err pruning release")
		}
	}

	if req.Hosting.URL != "" {
		return req.Hosting.URL, nil
	}
	return fmt.Sprintf("sftp://%s/%s", req.Hosting.Host, current), nil
}

func (p *SFTPPublisher) connect(ctx context.Context, hosting HostingConfig) (*ssh.Client, error) {
	key, err := os.ReadFile(hosting.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("err reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if hosting.KnownHosts != "" {
		hostKeyCallback, err = knownhosts.New(hosting.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("err reading known hosts: %w", err)
		}
	} else {
		p.logger.Warn().Str("host", hosting.Host).Msg("host key verification disabled")
	}

	addr := hosting.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	cc := &ssh.ClientConfig{
		User:            hosting.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         p.timeout,
	}

	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cc)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func removeRemote(sc *sftp.Client, p string) error {
	if _, err := sc.Lstat(p); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return sc.RemoveAll(p)
}

// uploadDir creates the directory tree below dst first, then uploads files
// concurrently.
func uploadDir(ctx context.Context, sc *sftp.Client, src, dst string) error {
	files := make([]string, 0)
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		remote := path.Join(dst, filepath.ToSlash(rel))
		switch {
		case d.IsDir():
			return sc.MkdirAll(remote)
		case d.Type().IsRegular():
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sftpUploadConcurrency)
	for _, rel := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return uploadFile(sc, filepath.Join(src, rel), path.Join(dst, filepath.ToSlash(rel)))
		})
	}
	return g.Wait()
}

func uploadFile(sc *sftp.Client, local, remote string) error {
	in, err := os.Open(local)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := sc.Create(remote)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
