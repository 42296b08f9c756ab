// Package agent runs the update state machine. Every transport, timer and
// caller talks to it by posting events; one consumer goroutine owns the job
// and file state and handles the events in order.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ZerkerEOD/otaagent/internal/config"
	"github.com/ZerkerEOD/otaagent/internal/controlplane"
	"github.com/ZerkerEOD/otaagent/internal/dataplane"
	"github.com/ZerkerEOD/otaagent/internal/jobs"
	"github.com/ZerkerEOD/otaagent/internal/metrics"
	"github.com/ZerkerEOD/otaagent/internal/osal"
	"github.com/ZerkerEOD/otaagent/internal/request"
	"github.com/ZerkerEOD/otaagent/internal/storage"
	"github.com/ZerkerEOD/otaagent/internal/transfer"
	"github.com/ZerkerEOD/otaagent/internal/version"
	"github.com/ZerkerEOD/otaagent/pkg/debug"
	"github.com/hashicorp/go-multierror"
)

// State is the agent state.
type State int32

const (
	StateInit State = iota
	StateReady
	StateRequestingJob
	StateWaitingForJob
	StateCreatingFile
	StateRequestingFileBlock
	StateWaitingForFileBlock
	StateSelfTest
	StateShuttingDown
	StateStopped
)

var stateNames = map[State]string{
	StateInit:                "init",
	StateReady:               "ready",
	StateRequestingJob:       "requesting-job",
	StateWaitingForJob:       "waiting-for-job",
	StateCreatingFile:        "creating-file",
	StateRequestingFileBlock: "requesting-file-block",
	StateWaitingForFileBlock: "waiting-for-file-block",
	StateSelfTest:            "self-test",
	StateShuttingDown:        "shutting-down",
	StateStopped:             "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// maxDocumentSize bounds a job document held in a pool buffer.
const maxDocumentSize = 8192

// frameOverhead covers the msgpack envelope around a block payload.
const frameOverhead = 64

// ImageStore stages, activates and tracks images. *storage.Store implements it.
type ImageStore interface {
	Create(fc *transfer.FileContext) (transfer.Sink, error)
	Activate(fc *transfer.FileContext) error
	Accept(fc *transfer.FileContext) error
	Rollback(fc *transfer.FileContext) error
	SaveImageState(rec storage.ImageRecord) error
	LoadImageState() (storage.ImageRecord, error)
}

// Options tune the agent.
type Options struct {
	BlockSize   int
	Granularity transfer.Granularity
	QueueDepth  int
	PoolSize    int
	// BufferSize is the size of each pool buffer. Zero sizes buffers to fit
	// a job document or one encoded block, whichever is larger.
	BufferSize        int
	SendTimeout       time.Duration
	Request           request.Policy
	SelfTestWait      time.Duration
	StatusEveryBlocks int
	DataProtocols     []string
	Version           string
}

// OptionsFromConfig derives agent options from cfg.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	g, err := transfer.ParseGranularity(cfg.BitmapGranularity)
	if err != nil {
		return Options{}, err
	}
	return Options{
		BlockSize:   cfg.BlockSize(),
		Granularity: g,
		QueueDepth:  cfg.QueueDepth,
		PoolSize:    cfg.PoolSize,
		SendTimeout: time.Second,
		Request: request.Policy{
			Wait:             cfg.RequestWait,
			MaxMomentum:      cfg.MaxMomentum,
			BlocksPerRequest: cfg.BlocksPerRequest,
			ResetOnDuplicate: cfg.ResetMomentumOnDuplicate,
		},
		SelfTestWait:      cfg.SelfTestWait,
		StatusEveryBlocks: cfg.StatusEveryBlocks,
		DataProtocols:     cfg.DataProtocols,
		Version:           version.Version,
	}, nil
}

// Deps are the collaborators the agent drives.
type Deps struct {
	OS       osal.Provider
	Control  controlplane.Channel
	Data     []dataplane.Channel
	Store    ImageStore
	Verifier transfer.Verifier
}

// Agent is one update agent instance.
type Agent struct {
	opts     Options
	os       osal.Provider
	pool     *osal.Pool
	control  controlplane.Channel
	channels map[string]dataplane.Channel
	store    ImageStore
	parser   *jobs.Parser
	ingestor *transfer.Ingestor
	requests *request.Controller
	stats    metrics.Statistics

	state       atomic.Int32
	image       atomic.Int32
	clientToken atomic.Value
	currentJob  atomic.Value
	progress    atomic.Pointer[Progress]

	// Owned by the consumer goroutine.
	jobID       string
	fc          *transfer.FileContext
	data        dataplane.Channel
	jobMomentum int
	record      storage.ImageRecord
}

// New builds an agent. Nothing runs until Run.
func New(deps Deps, opts Options) (*Agent, error) {
	if deps.OS == nil || deps.Control == nil || deps.Store == nil {
		return nil, fmt.Errorf("agent: provider, control channel and store are required")
	}
	if opts.BlockSize <= 0 {
		return nil, fmt.Errorf("agent: block size must be positive")
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 20
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	if opts.Request.BlocksPerRequest > opts.PoolSize {
		debug.Warning("Capping blocks per request at the buffer pool size %d", opts.PoolSize)
		opts.Request.BlocksPerRequest = opts.PoolSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = max(maxDocumentSize, opts.BlockSize+frameOverhead)
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = time.Second
	}
	if opts.StatusEveryBlocks <= 0 {
		opts.StatusEveryBlocks = 64
	}

	parser, err := jobs.NewParser()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		opts:     opts,
		os:       deps.OS,
		pool:     osal.NewPool(opts.PoolSize, opts.BufferSize),
		control:  deps.Control,
		channels: make(map[string]dataplane.Channel, len(deps.Data)),
		store:    deps.Store,
		parser:   parser,
		ingestor: transfer.NewIngestor(deps.Verifier),
	}
	for _, ch := range deps.Data {
		a.channels[ch.Name()] = ch
	}
	a.requests = request.New(deps.OS, opts.Request, a.onTimer)
	a.clientToken.Store("")
	a.currentJob.Store("")
	return a, nil
}

// State returns the current state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State) {
	old := State(a.state.Swap(int32(s)))
	if old != s {
		debug.Debug("Agent state %s -> %s", old, s)
	}
}

// ImageState returns the state of the most recently activated image.
func (a *Agent) ImageState() storage.ImageState {
	return storage.ImageState(a.image.Load())
}

// ClientToken returns the token of the latest job document request.
func (a *Agent) ClientToken() string {
	return a.clientToken.Load().(string)
}

// CurrentJob returns the ID of the job being processed, if any.
func (a *Agent) CurrentJob() string {
	return a.currentJob.Load().(string)
}

// Statistics returns the packet counters.
func (a *Agent) Statistics() metrics.Snapshot {
	return a.stats.Snapshot()
}

// Progress is a snapshot of the file transfer in progress.
type Progress struct {
	JobID     string
	FilePath  string
	Received  int
	Total     int
	BlockSize int
}

// Progress returns the running transfer, if any.
func (a *Agent) Progress() (Progress, bool) {
	p := a.progress.Load()
	if p == nil {
		return Progress{}, false
	}
	return *p, true
}

func (a *Agent) trackProgress() {
	if a.fc == nil {
		a.progress.Store(nil)
		return
	}
	a.progress.Store(&Progress{
		JobID:     a.jobID,
		FilePath:  a.fc.FilePath,
		Received:  a.fc.Received(),
		Total:     a.fc.TotalBlocks(),
		BlockSize: a.fc.BlockSize,
	})
}

// Momentum returns the count of block requests sent without progress.
func (a *Agent) Momentum() int {
	return a.requests.Momentum()
}

// OnJobDocument queues a job document. It is the control channel's delivery
// callback.
func (a *Agent) OnJobDocument(doc []byte) error {
	return a.send(osal.EventJobDocReady, doc)
}

// OnDataBlock queues one encoded block frame. It is the data channel's
// delivery callback. Errors wrapping dataplane.ErrBusy mean the frame may be
// delivered again once the consumer catches up.
func (a *Agent) OnDataBlock(frame []byte) error {
	a.stats.Received()
	if err := a.send(osal.EventDataReady, frame); err != nil {
		a.stats.Dropped()
		if errors.Is(err, osal.ErrPoolExhausted) || errors.Is(err, osal.ErrEventQueueFull) {
			return fmt.Errorf("%w: %w", dataplane.ErrBusy, err)
		}
		return err
	}
	a.stats.Queued()
	return nil
}

// RequestJob asks the control channel for the next pending job.
func (a *Agent) RequestJob() error {
	return a.send(osal.EventRequestJobDocument, nil)
}

// SetImageState reports the outcome of the image self-test. Only
// ImageAccepted, ImageRejected and ImageAborted are meaningful.
func (a *Agent) SetImageState(state storage.ImageState) error {
	return a.send(osal.EventImageState, []byte{byte(state)})
}

// Abort cancels the job in progress.
func (a *Agent) Abort() error {
	return a.send(osal.EventUserAbort, nil)
}

// Shutdown asks Run to clean up and return.
func (a *Agent) Shutdown() error {
	return a.send(osal.EventShutdown, nil)
}

func (a *Agent) onTimer(id osal.TimerID) {
	ev := osal.EventRequestTimeout
	if id == osal.SelfTestTimer {
		ev = osal.EventSelfTestTimeout
	}
	if err := a.send(ev, nil); err != nil {
		debug.Warning("Dropped %s timer expiry: %v", id, err)
	}
}

// send copies payload into a pool buffer and queues it. On failure the
// buffer goes straight back to the pool.
func (a *Agent) send(id osal.EventID, payload []byte) error {
	ev := osal.Event{ID: id}
	if payload != nil {
		buf, err := a.pool.Acquire()
		if err != nil {
			debug.Warning("No buffer for %s event: %v", id, err)
			return err
		}
		if err := buf.Write(payload); err != nil {
			a.release(buf)
			debug.Warning("Payload of %d bytes for %s event: %v", len(payload), id, err)
			return err
		}
		ev.Data = buf
	}

	if err := a.os.SendEvent(ev, a.opts.SendTimeout); err != nil {
		a.release(ev.Data)
		debug.Warning("Failed to queue %s event: %v", id, err)
		return err
	}
	return nil
}

func (a *Agent) release(buf *osal.Buffer) {
	if buf == nil {
		return
	}
	if err := a.pool.Release(buf); err != nil {
		debug.Error("Failed to release event buffer: %v", err)
	}
}

// Run initializes the event queue and processes events until Shutdown is
// called or ctx is done. A queue that cannot be created fails immediately.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.os.InitEventQueue(a.opts.QueueDepth); err != nil {
		debug.Error("Failed to initialize event queue: %v", err)
		a.setState(StateStopped)
		return fmt.Errorf("agent: %w", err)
	}
	a.setState(StateReady)
	a.restoreImageState()

	if err := a.control.Subscribe(ctx, a.OnJobDocument); err != nil {
		debug.Warning("Control channel subscription failed: %v", err)
	}
	if err := a.send(osal.EventStart, nil); err != nil {
		debug.Error("Failed to queue start event: %v", err)
	}

	debug.Info("Agent running (queue depth %d, %d buffers of %d bytes)",
		a.opts.QueueDepth, a.pool.Capacity(), a.pool.BufferSize())

	for {
		ev, err := a.os.ReceiveEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				debug.Info("Agent context done, shutting down")
				return a.shutdown()
			}
			debug.Error("Event receive failed: %v", err)
			return multierror.Append(err, a.shutdown()).ErrorOrNil()
		}

		stop := a.handle(ctx, ev)
		if ev.ID == osal.EventDataReady {
			a.stats.Processed()
		}
		a.release(ev.Data)
		if stop {
			return a.shutdown()
		}
	}
}

func (a *Agent) restoreImageState() {
	rec, err := a.store.LoadImageState()
	if err != nil {
		debug.Warning("Could not load image state: %v", err)
		return
	}
	a.record = rec
	a.image.Store(int32(rec.State))
	if rec.State != storage.ImageUnknown {
		debug.Info("Image state %s (job %s)", rec.State, rec.JobID)
	}
}

// shutdown releases everything Run acquired. It runs on the consumer.
func (a *Agent) shutdown() error {
	a.setState(StateShuttingDown)
	var result *multierror.Error

	if err := a.requests.Disarm(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.os.StopTimer(osal.SelfTestTimer); err != nil {
		result = multierror.Append(result, err)
	}
	for _, id := range []osal.TimerID{osal.RequestTimer, osal.SelfTestTimer} {
		if err := a.os.DeleteTimer(id); err != nil && !errors.Is(err, osal.ErrTimerDeleteFailed) {
			result = multierror.Append(result, err)
		}
	}

	if a.data != nil {
		if err := a.data.Deinit(); err != nil {
			result = multierror.Append(result, fmt.Errorf("data channel %s: %w", a.data.Name(), err))
		}
		a.data = nil
	}
	// The job restarts from its document on the next run.
	if a.fc != nil {
		if err := a.fc.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		a.fc = nil
	}

	for _, ev := range a.os.Drain() {
		if ev.ID == osal.EventDataReady {
			a.stats.Dropped()
		}
		a.release(ev.Data)
	}
	if err := a.os.DeinitEventQueue(); err != nil {
		result = multierror.Append(result, err)
	}

	a.setState(StateStopped)
	debug.Info("Agent stopped")
	return result.ErrorOrNil()
}
