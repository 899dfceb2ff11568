package daemon

import (
	"sync"
	"time"

	"github.com/rbright/sttd/internal/modelregistry"
)

// downloadState mirrors §3's "Download progress" status enum.
type downloadState string

const (
	downloadIdle       downloadState = "idle"
	downloadInProgress downloadState = "downloading"
	downloadCompleted  downloadState = "completed"
	downloadCancelled  downloadState = "cancelled"
	downloadFailed     downloadState = "error"
)

// DownloadStatus is the wire-visible snapshot of the active (or most
// recent) model download.
type DownloadStatus struct {
	ModelID    string        `json:"model_id,omitempty"`
	State      downloadState `json:"state"`
	Fraction   float64       `json:"fraction"`
	BytesRead  int64         `json:"bytes_read,omitempty"`
	TotalBytes int64         `json:"total_bytes,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// downloadTracker holds the snapshot the `get_download_status` command
// reads, guarded so a read never races an update. The snapshot changes only
// through begin/progress/finish and markCancelled; the model downloads run
// by modelruntime do not call begin/progress/finish, so for those the
// reported state stays idle.
type downloadTracker struct {
	mu        sync.Mutex
	status    DownloadStatus
	cancelled bool
}

func newDownloadTracker() *downloadTracker {
	return &downloadTracker{status: DownloadStatus{State: downloadIdle}}
}

func (d *downloadTracker) begin(modelID string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = false
	d.status = DownloadStatus{ModelID: modelID, State: downloadInProgress, StartedAt: now}
}

// markCancelled records that cancellation was explicitly requested, so the
// eventual download error is reported as "cancelled" rather than "error".
func (d *downloadTracker) markCancelled() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = true
}

func (d *downloadTracker) progress(p modelregistry.Progress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status.State != downloadInProgress {
		return
	}
	d.status.Fraction = p.Fraction
	d.status.BytesRead = p.BytesRead
	d.status.TotalBytes = p.TotalBytes
}

func (d *downloadTracker) finish(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case err == nil:
		d.status.State = downloadCompleted
		d.status.Fraction = 1
	case d.cancelled:
		d.status.State = downloadCancelled
	default:
		d.status.State = downloadFailed
		d.status.Error = err.Error()
	}
}

func (d *downloadTracker) snapshot() DownloadStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}
