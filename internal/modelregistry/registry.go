// Package modelregistry manages a HuggingFace-Hub-compatible local model
// cache: content-addressed blob storage under a shared cache root, with
// a streamed, hashed, cancellable download and exactly one download in
// flight at a time. An interrupted transfer is not resumed: its temp file
// is removed and the next attempt starts from the first byte.
package modelregistry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ErrDownloadInProgress is returned when a download is requested while
// another is already running; the registry allows exactly one at a time.
var ErrDownloadInProgress = errors.New("a model download is already in progress")

// downloadCap is the fraction of progress attributed to the network
// transfer; the remaining range is reserved for the caller's subsequent
// in-memory load phase.
const downloadCap = 0.9

// Progress reports download fraction in [0, downloadCap].
type Progress struct {
	BytesRead  int64
	TotalBytes int64
	Fraction   float64
}

// Registry resolves and fetches cached model files.
type Registry struct {
	cacheRoot string
	client    *http.Client
	logger    *slog.Logger

	mu       sync.Mutex
	cancelFn context.CancelFunc
}

// New builds a Registry rooted at cacheRoot (created if missing).
func New(cacheRoot string, logger *slog.Logger) (*Registry, error) {
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root %s: %w", cacheRoot, err)
	}
	return &Registry{
		cacheRoot: cacheRoot,
		client:    &http.Client{},
		logger:    logger,
	}, nil
}

// dashedRepo converts "org/name" into the hub cache's "models--org--name" form.
func dashedRepo(repo string) string {
	return "models--" + strings.ReplaceAll(repo, "/", "--")
}

func (r *Registry) repoDir(repo string) string {
	return filepath.Join(r.cacheRoot, dashedRepo(repo))
}

func (r *Registry) blobPath(repo, sha string) string {
	return filepath.Join(r.repoDir(repo), "blobs", sha)
}

func (r *Registry) snapshotPath(repo, revision, filename string) string {
	return filepath.Join(r.repoDir(repo), "snapshots", revision, filename)
}

// Resolved reports whether filename already exists for repo@revision
// (i.e. the snapshot symlink resolves to a present blob) and, if so,
// its path.
func (r *Registry) Resolved(repo, revision, filename string) (string, bool) {
	path := r.snapshotPath(repo, revision, filename)
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", false
	}
	if _, err := os.Stat(target); err != nil {
		return "", false
	}
	return path, true
}

// IsDownloading reports whether a download is currently in flight.
func (r *Registry) IsDownloading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelFn != nil
}

// CancelDownload cancels any in-flight download; it is idempotent.
func (r *Registry) CancelDownload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelFn != nil {
		r.cancelFn()
	}
}

// Ensure fetches filename from url into the hub cache layout for
// repo@revision unless it is already resolved, reporting progress up to
// downloadCap along the way. Only one Ensure call may be in flight
// across the whole Registry; a concurrent call returns
// ErrDownloadInProgress.
func (r *Registry) Ensure(ctx context.Context, repo, revision, filename, url string, onProgress func(Progress)) (string, error) {
	if path, ok := r.Resolved(repo, revision, filename); ok {
		if onProgress != nil {
			onProgress(Progress{Fraction: downloadCap})
		}
		return path, nil
	}

	r.mu.Lock()
	if r.cancelFn != nil {
		r.mu.Unlock()
		return "", ErrDownloadInProgress
	}
	dlCtx, cancel := context.WithCancel(ctx)
	r.cancelFn = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancelFn = nil
		r.mu.Unlock()
		cancel()
	}()

	path, err := r.download(dlCtx, repo, revision, filename, url, onProgress)
	if err != nil {
		return "", err
	}
	return path, nil
}

func (r *Registry) download(ctx context.Context, repo, revision, filename, url string, onProgress func(Progress)) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: HTTP %d", url, resp.StatusCode)
	}

	var total int64
	if v := resp.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			total = n
		}
	}

	blobsDir := filepath.Join(r.repoDir(repo), "blobs")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return "", fmt.Errorf("create blobs dir: %w", err)
	}

	tmp, err := os.CreateTemp(blobsDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp download file: %w", err)
	}
	tmpPath := tmp.Name()
	removeTmp := true
	defer func() {
		if removeTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	var read int64
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			tmp.Close()
			return "", fmt.Errorf("download cancelled: %w", err)
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				tmp.Close()
				return "", fmt.Errorf("write download chunk: %w", werr)
			}
			hasher.Write(buf[:n])
			read += int64(n)
			if onProgress != nil {
				onProgress(progressFor(read, total))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			tmp.Close()
			return "", fmt.Errorf("read download body: %w", readErr)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp download file: %w", err)
	}

	sha := hex.EncodeToString(hasher.Sum(nil))
	blobPath := r.blobPath(repo, sha)

	if _, err := os.Stat(blobPath); err == nil {
		// Identical content already cached under this hash; drop the
		// duplicate download instead of overwriting.
		_ = os.Remove(tmpPath)
	} else {
		if err := os.Rename(tmpPath, blobPath); err != nil {
			return "", fmt.Errorf("move download into blob store: %w", err)
		}
	}
	removeTmp = false

	snapDir := filepath.Join(r.repoDir(repo), "snapshots", revision)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	linkPath := filepath.Join(snapDir, filename)
	_ = os.Remove(linkPath)
	relTarget := filepath.Join("..", "..", "blobs", sha)
	if err := os.Symlink(relTarget, linkPath); err != nil {
		return "", fmt.Errorf("symlink snapshot to blob: %w", err)
	}

	if onProgress != nil {
		onProgress(Progress{BytesRead: read, TotalBytes: total, Fraction: downloadCap})
	}
	return linkPath, nil
}

// hubURL builds the resolve-download URL for one file of a hub repo@revision.
func hubURL(repo, revision, filename string) string {
	return fmt.Sprintf("https://huggingface.co/%s/resolve/%s/%s", repo, revision, filename)
}

// EnsureModel fetches every file listed in spec, in order, reporting
// aggregate progress across the whole file set (each file contributes an
// equal share of the reported fraction). A file already resolved locally
// contributes its full share immediately.
func (r *Registry) EnsureModel(ctx context.Context, spec ModelSpec, onProgress func(Progress)) error {
	total := len(spec.Files)
	if total == 0 {
		return fmt.Errorf("model %q has no files to fetch", spec.ID)
	}
	for i, filename := range spec.Files {
		base := float64(i) / float64(total)
		share := 1.0 / float64(total)
		_, err := r.Ensure(ctx, spec.Repo, spec.Revision, filename, hubURL(spec.Repo, spec.Revision, filename), func(p Progress) {
			if onProgress != nil {
				onProgress(Progress{BytesRead: p.BytesRead, TotalBytes: p.TotalBytes, Fraction: base*downloadCap + p.Fraction*share})
			}
		})
		if err != nil {
			return fmt.Errorf("fetch %s for model %q: %w", filename, spec.ID, err)
		}
	}
	return nil
}

func progressFor(read, total int64) Progress {
	if total <= 0 {
		return Progress{BytesRead: read, TotalBytes: total, Fraction: downloadCap}
	}
	frac := float64(read) / float64(total) * downloadCap
	if frac > downloadCap {
		frac = downloadCap
	}
	return Progress{BytesRead: read, TotalBytes: total, Fraction: frac}
}
