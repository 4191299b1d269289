// Package daemon exposes an optional unix-socket SyncStatus RPC over a
// running Repository, so a caller (a second CLI invocation, a status bar)
// can poll sync progress without sharing process memory.
package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/fatih/color"
	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpcrecovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/terrasync/reposync/internal/config"
	"github.com/terrasync/reposync/internal/fs"
	"github.com/terrasync/reposync/internal/repository"
	"github.com/terrasync/reposync/internal/transport"
)

// Command is the `reposync daemon` subcommand: it runs the status server
// (daemon.run) in the foreground until idle-timed-out or killed.
type Command struct {
	Logger hclog.Logger
	UI     cli.Ui
	Repo   *repository.Repository
	Root   fs.AbsolutePath
}

// Run runs the daemon command.
func (c *Command) Run(args []string) int {
	cmd := c.getCmd()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// Help returns information about the `daemon` command.
func (c *Command) Help() string {
	return c.getCmd().UsageString()
}

// Synopsis of the daemon command.
func (c *Command) Synopsis() string {
	return c.getCmd().Short
}

func (c *Command) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "daemon",
		Short:         "Runs the reposync background status server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, root := c.Repo, c.Root
			if repo == nil {
				var err error
				repo, root, err = openRepoFromConfig(c.Logger)
				if err != nil {
					return err
				}
				defer repo.Close()
			}
			d := &daemon{
				ui:       c.UI,
				logger:   c.Logger,
				fsys:     afero.NewOsFs(),
				repoRoot: root,
				repo:     repo,
			}
			err := d.run()
			if err != nil {
				d.logError(err)
			}
			return err
		},
	}
}

// openRepoFromConfig builds a Repository the same way `reposync sync` does,
// for a standalone `reposync daemon` invocation that isn't handed an
// already-running Repository in-process.
func openRepoFromConfig(logger hclog.Logger) (*repository.Repository, fs.AbsolutePath, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", errors.Wrap(err, "loading config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", errors.Wrap(err, "invalid config")
	}

	root := fs.UnsafeToAbsolutePath(cfg.Root)
	client := transport.NewDefaultHTTPClient(logger, 0)
	repo, err := repository.New(root, client, logger)
	if err != nil {
		return nil, "", errors.Wrap(err, "opening repository")
	}
	repo.SetBaseURL(cfg.BaseURL)
	if cfg.InstalledCopyPath != "" {
		repo.SetInstalledCopyPath(fs.UnsafeToAbsolutePath(cfg.InstalledCopyPath))
	}
	filter, err := cfg.BuildFilter()
	if err != nil {
		return nil, "", errors.Wrap(err, "building filter")
	}
	repo.SetFilter(filter)
	return repo, root, nil
}

type daemon struct {
	ui       cli.Ui
	logger   hclog.Logger
	fsys     afero.Fs
	repoRoot fs.AbsolutePath
	repo     *repository.Repository
}

// getUnixSocket derives a per-repository-root socket path, the way the
// teacher's turbod picks its own: a truncated SHA-256 of the root path,
// since unix domain socket paths are capped at 108 characters on most
// platforms and a raw repo path can easily exceed that.
func (d *daemon) getUnixSocket() fs.AbsolutePath {
	tempDir := fs.UnsafeToAbsolutePath(os.TempDir())
	pathHash := sha256.Sum256([]byte(d.repoRoot.ToString()))
	hexHash := hex.EncodeToString(pathHash[:])[:16]
	return tempDir.Join(fmt.Sprintf("reposync-%s.sock", hexHash))
}

func (d *daemon) logError(err error) {
	d.logger.Error("daemon error", "error", err)
	d.ui.Error(color.RedString("daemon error: %v", err))
}

// debounceExisting checks whether a live daemon is already listening at
// sockPath. A reachable socket means another daemon owns this root; a
// present-but-unreachable socket is stale and is removed so a fresh
// listener can bind it.
func (d *daemon) debounceExisting(sockPath fs.AbsolutePath) error {
	exists, err := afero.Exists(d.fsys, sockPath.ToString())
	if err != nil || !exists {
		return nil
	}
	conn, dialErr := net.DialTimeout("unix", sockPath.ToString(), 200*time.Millisecond)
	if dialErr == nil {
		conn.Close()
		return fmt.Errorf("a daemon is already running for %s", d.repoRoot)
	}
	return d.fsys.Remove(sockPath.ToString())
}

func (d *daemon) run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sockPath := d.getUnixSocket()
	if err := d.debounceExisting(sockPath); err != nil {
		return err
	}

	lis, err := net.Listen("unix", sockPath.ToString())
	if err != nil {
		return err
	}
	defer os.Remove(sockPath.ToString())

	idle := newIdleTimeout(10*time.Minute, ctx)
	go idle.loop()

	s := grpc.NewServer(grpc.UnaryInterceptor(grpcmiddleware.ChainUnaryServer(
		grpcrecovery.UnaryServerInterceptor(),
		idle.onRequest,
	)))
	RegisterDaemonServer(s, &syncStatusServer{repo: d.repo})

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-idle.timedOut:
		d.logger.Info("daemon idle timeout reached, stopping")
		s.Stop()
		return nil
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	}
}

// idleTimeout stops the daemon after a period with no inbound RPCs, so a
// forgotten `reposync daemon` invocation doesn't linger forever.
type idleTimeout struct {
	timeout  time.Duration
	reqCh    chan struct{}
	timedOut chan struct{}
	ctx      context.Context
}

func newIdleTimeout(timeout time.Duration, ctx context.Context) *idleTimeout {
	return &idleTimeout{
		timeout:  timeout,
		reqCh:    make(chan struct{}, 1),
		timedOut: make(chan struct{}),
		ctx:      ctx,
	}
}

func (dt *idleTimeout) onRequest(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	select {
	case dt.reqCh <- struct{}{}:
	default:
	}
	return handler(ctx, req)
}

func (dt *idleTimeout) loop() {
	timer := time.NewTimer(dt.timeout)
	defer timer.Stop()
	for {
		select {
		case <-dt.reqCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(dt.timeout)
		case <-timer.C:
			close(dt.timedOut)
			return
		case <-dt.ctx.Done():
			return
		}
	}
}

// syncStatusServer adapts a *repository.Repository to the DaemonServer
// interface.
type syncStatusServer struct {
	repo *repository.Repository
}

func (s *syncStatusServer) SyncStatus(ctx context.Context, _ *SyncStatusRequest) (*SyncStatusReply, error) {
	failures := s.repo.Failures()
	out := make([]FailureInfo, len(failures))
	for i, f := range failures {
		out[i] = FailureInfo{Path: f.Path, Code: f.Code.Error()}
	}
	return &SyncStatusReply{
		Syncing:         s.repo.IsDoingSync(),
		Failure:         s.repo.Failure().Error(),
		BytesDownloaded: uint64(s.repo.BytesDownloaded()),
		BytesToDownload: uint64(s.repo.BytesToDownload()),
		Failures:        out,
	}, nil
}

// DialClient connects to a running daemon for repoRoot and returns a
// client stub, or an error if no daemon is listening.
func DialClient(ctx context.Context, repoRoot fs.AbsolutePath) (DaemonClient, func() error, error) {
	d := &daemon{repoRoot: repoRoot}
	sockPath := d.getUnixSocket()

	dialer := func(_ context.Context, addr string) (net.Conn, error) {
		return net.Dial("unix", addr)
	}
	conn, err := grpc.DialContext(ctx, sockPath.ToString(),
		grpc.WithInsecure(), grpc.WithBlock(), grpc.WithContextDialer(dialer))
	if err != nil {
		return nil, nil, fmt.Errorf("dialing daemon at %s: %w", sockPath, err)
	}
	return NewDaemonClient(conn), conn.Close, nil
}
