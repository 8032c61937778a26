// Package sshgate implements the remote execution gateway over an SSH
// session to the cluster head node, driving the Slurm commands sbatch,
// squeue, sacct and scancel.
package sshgate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/vuphan314/slurmqueen/internal/gateway"
	"github.com/vuphan314/slurmqueen/internal/script"
)

// Config holds the connection parameters for the cluster head node.
// Credentials are supplied externally; the gateway only consumes them.
type Config struct {
	// Addr is the head node address as host:port.
	Addr string
	// User is the remote login name.
	User string
	// KeyFile is the path to the private key used for authentication.
	KeyFile string
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// CallTimeout bounds every individual remote call so one stuck call
	// cannot stall polling of unrelated tasks.
	CallTimeout time.Duration
}

// DefaultDialTimeout and DefaultCallTimeout apply when Config leaves the
// corresponding field zero.
const (
	DefaultDialTimeout = 30 * time.Second
	DefaultCallTimeout = 60 * time.Second
)

// jobRecord is the gateway's view of one submitted job: the working
// directory it was launched in and the last-observed cluster status. It
// is a cache of the cluster's own state, eventually consistent.
type jobRecord struct {
	dir        string
	lastStatus gateway.JobStatus
	observedAt time.Time
}

// Gateway is an SSH-backed gateway.Gateway. The connection is shared by
// all callers and reconnection is transparent: a transient error means
// "retry the same call later".
type Gateway struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	client *ssh.Client
	jobs   map[string]*jobRecord
}

var _ gateway.Gateway = (*Gateway)(nil)

// New creates a gateway. No connection is opened until the first call.
func New(cfg Config, logger *zap.Logger) (*Gateway, error) {
	if cfg.Addr == "" || cfg.User == "" {
		return nil, fmt.Errorf("sshgate: addr and user are required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[string]*jobRecord),
	}, nil
}

// Close tears down the SSH connection.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		err := g.client.Close()
		g.client = nil
		return err
	}
	return nil
}

// ensureConnected returns a live client, dialing if necessary. Another
// goroutine may already have reconnected while we waited for the lock.
func (g *Gateway) ensureConnected() (*ssh.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}

	key, err := os.ReadFile(g.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read key %s: %v", gateway.ErrCredential, g.cfg.KeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: parse key %s: %v", gateway.ErrCredential, g.cfg.KeyFile, err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            g.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         g.cfg.DialTimeout,
	}
	client, err := ssh.Dial("tcp", g.cfg.Addr, clientCfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "handshake failed") {
			return nil, fmt.Errorf("%w: %v", gateway.ErrCredential, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", gateway.ErrTransient, g.cfg.Addr, err)
	}
	g.logger.Info("connected to head node",
		zap.String("addr", g.cfg.Addr), zap.String("user", g.cfg.User))
	g.client = client
	return client, nil
}

// dropClient discards the current connection so the next call redials.
func (g *Gateway) dropClient() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		g.client.Close()
		g.client = nil
	}
}

type cmdOut struct {
	exitCode int
	stdout   string
	stderr   string
}

// runCmd executes one remote command, bounded by the call timeout. A
// non-zero remote exit is not an error here; transport failures come back
// wrapped as transient.
func (g *Gateway) runCmd(ctx context.Context, cmd string, stdin []byte) (cmdOut, error) {
	client, err := g.ensureConnected()
	if err != nil {
		return cmdOut{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		// The connection soured under us. Reset and retry the dial once;
		// if the session still cannot be opened the caller backs off.
		g.dropClient()
		client, err = g.ensureConnected()
		if err != nil {
			return cmdOut{}, err
		}
		session, err = client.NewSession()
		if err != nil {
			return cmdOut{}, fmt.Errorf("%w: open session: %v", gateway.ErrTransient, err)
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Close()
		g.dropClient()
		return cmdOut{}, fmt.Errorf("%w: %q timed out: %v", gateway.ErrTransient, firstWord(cmd), ctx.Err())
	case err = <-done:
	}

	out := cmdOut{stdout: stdout.String(), stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			out.exitCode = exitErr.ExitStatus()
			return out, nil
		}
		g.dropClient()
		return cmdOut{}, fmt.Errorf("%w: run %q: %v", gateway.ErrTransient, firstWord(cmd), err)
	}
	return out, nil
}

// Submit uploads the script into its working directory and enqueues it
// with sbatch --parsable.
func (g *Gateway) Submit(ctx context.Context, sc *script.Script) (string, error) {
	remotePath := path.Join(sc.Dir, sc.Name)

	mkdir, err := g.runCmd(ctx, fmt.Sprintf("mkdir -p %s", shellQuote(sc.Dir)), nil)
	if err != nil {
		return "", err
	}
	if mkdir.exitCode != 0 {
		return "", &gateway.SubmissionRejectedError{
			Reason: fmt.Sprintf("mkdir %s: %s", sc.Dir, strings.TrimSpace(mkdir.stderr)),
		}
	}

	upload, err := g.runCmd(ctx, fmt.Sprintf("cat > %s", shellQuote(remotePath)), sc.Body)
	if err != nil {
		return "", err
	}
	if upload.exitCode != 0 {
		return "", &gateway.SubmissionRejectedError{
			Reason: fmt.Sprintf("upload %s: %s", remotePath, strings.TrimSpace(upload.stderr)),
		}
	}

	submit, err := g.runCmd(ctx,
		fmt.Sprintf("sbatch --parsable --chdir=%s %s", shellQuote(sc.Dir), shellQuote(remotePath)), nil)
	if err != nil {
		return "", err
	}
	if submit.exitCode != 0 {
		return "", &gateway.SubmissionRejectedError{
			Reason: strings.TrimSpace(submit.stderr + " " + submit.stdout),
		}
	}

	jobID, err := parseSbatchOutput(submit.stdout)
	if err != nil {
		return "", &gateway.SubmissionRejectedError{Reason: err.Error()}
	}

	g.mu.Lock()
	g.jobs[jobID] = &jobRecord{
		dir:        sc.Dir,
		lastStatus: gateway.JobStatus{State: gateway.JobQueued},
		observedAt: time.Now(),
	}
	g.mu.Unlock()

	g.logger.Debug("submitted job",
		zap.String("task", sc.TaskID), zap.String("job_id", jobID))
	return jobID, nil
}

// RegisterJob primes the job cache with an already-submitted job, used
// when resuming a run whose submissions outlived the previous process.
func (g *Gateway) RegisterJob(jobID, dir string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.jobs[jobID] = &jobRecord{
		dir:        dir,
		lastStatus: gateway.JobStatus{State: gateway.JobUnknown},
		observedAt: time.Now(),
	}
}

// PollStatus queries squeue first; once the job left the queue listings
// it falls back to sacct for the final state and exit code.
func (g *Gateway) PollStatus(ctx context.Context, jobID string) (gateway.JobStatus, error) {
	sq, err := g.runCmd(ctx, fmt.Sprintf("squeue -h -j %s -o %%T", shellQuote(jobID)), nil)
	if err != nil {
		return gateway.JobStatus{}, err
	}
	status, ok := parseSqueueState(sq.stdout)
	if !ok {
		// squeue no longer lists the job, or rejected the id. sacct keeps
		// accounting records for finished jobs.
		sa, err := g.runCmd(ctx,
			fmt.Sprintf("sacct -n -X -j %s -o State,ExitCode -P", shellQuote(jobID)), nil)
		if err != nil {
			return gateway.JobStatus{}, err
		}
		status = parseSacctOutput(sa.stdout)
	}

	g.mu.Lock()
	if rec, found := g.jobs[jobID]; found {
		rec.lastStatus = status
		rec.observedAt = time.Now()
	}
	g.mu.Unlock()
	return status, nil
}

// FetchFile reads a file relative to the job's working directory.
func (g *Gateway) FetchFile(ctx context.Context, jobID, relPath string) ([]byte, error) {
	g.mu.Lock()
	rec, found := g.jobs[jobID]
	g.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("%w: %s", gateway.ErrUnknownJob, jobID)
	}

	out, err := g.runCmd(ctx, fmt.Sprintf("cat %s", shellQuote(path.Join(rec.dir, relPath))), nil)
	if err != nil {
		return nil, err
	}
	if out.exitCode != 0 {
		return nil, fmt.Errorf("%w: %s", gateway.ErrNotFound, relPath)
	}
	return []byte(out.stdout), nil
}

// Cancel issues scancel. Best effort; the caller logs failures.
func (g *Gateway) Cancel(ctx context.Context, jobID string) error {
	out, err := g.runCmd(ctx, fmt.Sprintf("scancel %s", shellQuote(jobID)), nil)
	if err != nil {
		return err
	}
	if out.exitCode != 0 {
		return fmt.Errorf("scancel %s: %s", jobID, strings.TrimSpace(out.stderr))
	}
	return nil
}

func firstWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, `'`, `'"'"'`) + "'"
}
