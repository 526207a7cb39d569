package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// TransferState tracks a transfer task through its lifecycle.
type TransferState string

const (
	TransferRunning   TransferState = "running"
	TransferSuspended TransferState = "suspended"
	TransferCancelled TransferState = "cancelled"
	TransferCompleted TransferState = "completed"
	TransferFailed    TransferState = "failed"
)

// transferChunkSize is the unit of upload/download I/O. Progress is emitted
// and cancellation/suspension observed between chunks.
const transferChunkSize = 64 * 1024

// resumeToken is the opaque partial-transfer state captured at cancellation.
type resumeToken struct {
	Offset int64 `json:"offset"`
	Total  int64 `json:"total"`
}

// TransferRegistry tracks active transfer tasks keyed by target URL, one
// mutual-exclusion domain per registry. Uploads and downloads get
// independent registries.
type TransferRegistry struct {
	mu     sync.Mutex
	tasks  map[string]*transferTask
	doer   Doer
	logger *log.Logger
}

type transferTask struct {
	id         string
	url        string
	state      TransferState
	cancel     context.CancelFunc
	progress   chan float64
	resumeData []byte        // captured on cancel, consumed by Resume
	unpause    chan struct{} // non-nil while suspended; closed to continue

	// payload carries the full upload body; sink receives download bytes.
	// Kept on the task so a resumed transfer continues with the same data.
	payload []byte
	sink    io.Writer
}

// NewTransferRegistry creates an empty registry executing requests via doer.
// The doer is typically the full decorated pipeline, so transfers get the
// same auth, re-auth, and retry behavior as plain requests.
func NewTransferRegistry(doer Doer, logger *log.Logger) *TransferRegistry {
	return &TransferRegistry{tasks: make(map[string]*transferTask), doer: doer, logger: logger}
}

// StartUpload begins uploading data to url in chunks, replacing any previous
// task for that url. The returned channel reports progress in [0,1]; 1.0
// signals completion, after which the channel is closed.
func (r *TransferRegistry) StartUpload(ctx context.Context, url string, data []byte) (<-chan float64, error) {
	task := r.newTask(url)
	task.payload = data
	r.register(task)

	taskCtx, cancel := context.WithCancel(ctx)
	task.cancel = cancel
	go r.runUpload(taskCtx, task, 0)
	return task.progress, nil
}

// StartDownload begins downloading url into sink in chunks. Progress
// semantics match StartUpload.
func (r *TransferRegistry) StartDownload(ctx context.Context, url string, sink io.Writer) (<-chan float64, error) {
	task := r.newTask(url)
	task.sink = sink
	r.register(task)

	taskCtx, cancel := context.WithCancel(ctx)
	task.cancel = cancel
	go r.runDownload(taskCtx, task, 0)
	return task.progress, nil
}

// Fetch executes a plain GET tracked by the registry, so it can be
// cancelled by URL like any other task. Fetches never produce resume state,
// so a later Resume for the same url is a no-op.
func (r *TransferRegistry) Fetch(ctx context.Context, url string) ([]byte, int, error) {
	task := r.newTask(url)
	r.register(task)

	taskCtx, cancel := context.WithCancel(ctx)
	task.cancel = cancel
	defer cancel()

	req, err := http.NewRequestWithContext(taskCtx, http.MethodGet, url, nil)
	if err != nil {
		r.fail(task, err)
		return nil, 0, fmt.Errorf("transfer: new request: %w", err)
	}
	resp, err := r.doer.Do(req)
	if err != nil {
		r.fail(task, err)
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.fail(task, err)
		return nil, resp.StatusCode, fmt.Errorf("transfer: read response: %w", err)
	}
	r.complete(task)
	return body, resp.StatusCode, nil
}

// Cancel requests cancellation of the task for url and captures its partial
// resume state. The registry entry is kept (with the resume token) so a
// later Resume can pick it up; cancelling an unknown url is a no-op.
func (r *TransferRegistry) Cancel(url string) {
	r.mu.Lock()
	task := r.tasks[url]
	r.mu.Unlock()
	if task == nil {
		return
	}
	task.cancel()
}

// Suspend pauses the task for url in place. The same handle continues; no
// resume token is produced. Suspending an unknown or non-running task is a
// no-op.
func (r *TransferRegistry) Suspend(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task := r.tasks[url]
	if task == nil || task.state != TransferRunning {
		return
	}
	task.state = TransferSuspended
	task.unpause = make(chan struct{})
}

// Resume restarts a previously cancelled transfer from its captured resume
// token, re-publishing progress on the same stream and replacing the
// registry entry. If no resume token or progress stream exists for url —
// no prior cancel, or no transfer ever started — Resume returns nil:
// resuming is only valid after an explicit cancel.
func (r *TransferRegistry) Resume(ctx context.Context, url string) <-chan float64 {
	r.mu.Lock()
	task := r.tasks[url]
	if task == nil || task.resumeData == nil || task.progress == nil {
		r.mu.Unlock()
		return nil
	}

	var tok resumeToken
	if err := json.Unmarshal(task.resumeData, &tok); err != nil {
		r.mu.Unlock()
		logf(r.logger, "transfer %s: bad resume token: %v", task.id, err)
		return nil
	}

	// Each captured snapshot is good for exactly one resume.
	task.resumeData = nil
	task.state = TransferRunning
	taskCtx, cancel := context.WithCancel(ctx)
	task.cancel = cancel
	r.mu.Unlock()

	if task.payload != nil {
		go r.runUpload(taskCtx, task, tok.Offset)
	} else {
		go r.runDownload(taskCtx, task, tok.Offset)
	}
	return task.progress
}

// State reports the current state of the task for url, or "" if none exists.
func (r *TransferRegistry) State(url string) TransferState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task := r.tasks[url]; task != nil {
		return task.state
	}
	return ""
}

func (r *TransferRegistry) newTask(url string) *transferTask {
	return &transferTask{
		id:       uuid.NewString(),
		url:      url,
		state:    TransferRunning,
		progress: make(chan float64, 64),
	}
}

func (r *TransferRegistry) register(task *transferTask) {
	r.mu.Lock()
	r.tasks[task.url] = task
	r.mu.Unlock()
}

// runUpload posts payload chunks starting at offset, each tagged with its
// byte range so the relay can reassemble a resumed transfer.
func (r *TransferRegistry) runUpload(ctx context.Context, task *transferTask, offset int64) {
	total := int64(len(task.payload))
	if total == 0 {
		// Nothing to send, but completion is still signaled as 1.0 before
		// the stream closes. The fresh channel always has room.
		task.progress <- 1.0
		r.complete(task)
		return
	}

	for offset < total {
		if !r.waitRunnable(ctx, task, offset) {
			return
		}

		end := min(offset+transferChunkSize, total)
		chunk := task.payload[offset:end]

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.url, bytes.NewReader(chunk))
		if err != nil {
			r.fail(task, fmt.Errorf("transfer: new request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end-1, total))

		resp, err := r.doer.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				r.capture(task, offset, total)
				return
			}
			r.fail(task, err)
			return
		}
		drain(resp)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			r.fail(task, fmt.Errorf("transfer: upload chunk: status %d", resp.StatusCode))
			return
		}

		offset = end
		if !r.report(ctx, task, offset, total) {
			return
		}
	}
	r.complete(task)
}

// runDownload fetches byte ranges starting at offset into the task sink.
func (r *TransferRegistry) runDownload(ctx context.Context, task *transferTask, offset int64) {
	total, err := r.contentLength(ctx, task.url)
	if err != nil {
		r.fail(task, err)
		return
	}
	if total == 0 {
		task.progress <- 1.0
		r.complete(task)
		return
	}

	for offset < total {
		if !r.waitRunnable(ctx, task, offset) {
			return
		}

		end := min(offset+transferChunkSize, total) - 1
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.url, nil)
		if err != nil {
			r.fail(task, fmt.Errorf("transfer: new request: %w", err))
			return
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, end))

		resp, err := r.doer.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				r.capture(task, offset, total)
				return
			}
			r.fail(task, err)
			return
		}
		if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
			drain(resp)
			r.fail(task, fmt.Errorf("transfer: download chunk: status %d", resp.StatusCode))
			return
		}
		n, err := io.Copy(task.sink, resp.Body)
		resp.Body.Close()
		// n bytes reached the sink even when the copy failed; the resume
		// token must reflect the sink, not the chunk boundary, or a
		// resumed download re-writes those bytes.
		offset += n
		if err != nil {
			if ctx.Err() != nil {
				r.capture(task, offset, total)
				return
			}
			r.fail(task, fmt.Errorf("transfer: read chunk: %w", err))
			return
		}

		if !r.report(ctx, task, offset, total) {
			return
		}
	}
	r.complete(task)
}

// contentLength asks the server for the total size of a download.
func (r *TransferRegistry) contentLength(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("transfer: new request: %w", err)
	}
	resp, err := r.doer.Do(req)
	if err != nil {
		return 0, err
	}
	drain(resp)
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("transfer: head: status %d", resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("transfer: server did not report content length")
	}
	return resp.ContentLength, nil
}

// waitRunnable blocks while the task is suspended. It returns false when the
// task was cancelled, capturing resume state first.
func (r *TransferRegistry) waitRunnable(ctx context.Context, task *transferTask, offset int64) bool {
	r.mu.Lock()
	unpause := task.unpause
	suspended := task.state == TransferSuspended
	r.mu.Unlock()

	if suspended {
		select {
		case <-unpause:
		case <-ctx.Done():
			r.capture(task, offset, 0)
			return false
		}
	}

	select {
	case <-ctx.Done():
		r.capture(task, offset, 0)
		return false
	default:
		return true
	}
}

// report emits progress, returning false if the task was cancelled while
// the stream was full.
func (r *TransferRegistry) report(ctx context.Context, task *transferTask, transferred, total int64) bool {
	frac := float64(transferred) / float64(total)
	select {
	case task.progress <- frac:
		return true
	case <-ctx.Done():
		r.capture(task, transferred, total)
		return false
	}
}

// capture records the resume snapshot for a cancelled task. The registry
// entry stays, holding the token and the live progress stream for Resume.
func (r *TransferRegistry) capture(task *transferTask, offset, total int64) {
	data, _ := json.Marshal(resumeToken{Offset: offset, Total: total})
	r.mu.Lock()
	task.state = TransferCancelled
	task.resumeData = data
	r.mu.Unlock()
	logf(r.logger, "transfer %s cancelled at offset %d", task.id, offset)
}

func (r *TransferRegistry) complete(task *transferTask) {
	r.mu.Lock()
	task.state = TransferCompleted
	r.mu.Unlock()
	close(task.progress)

	r.mu.Lock()
	if r.tasks[task.url] == task {
		delete(r.tasks, task.url)
	}
	r.mu.Unlock()
}

func (r *TransferRegistry) fail(task *transferTask, err error) {
	logf(r.logger, "transfer %s failed: %v", task.id, err)
	r.mu.Lock()
	task.state = TransferFailed
	if r.tasks[task.url] == task {
		delete(r.tasks, task.url)
	}
	r.mu.Unlock()
	close(task.progress)
}
