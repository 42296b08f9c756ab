package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/ZerkerEOD/otaagent/internal/dataplane"
	"github.com/ZerkerEOD/otaagent/internal/jobs"
	"github.com/ZerkerEOD/otaagent/internal/osal"
	"github.com/ZerkerEOD/otaagent/internal/request"
	"github.com/ZerkerEOD/otaagent/internal/storage"
	"github.com/ZerkerEOD/otaagent/internal/transfer"
	"github.com/ZerkerEOD/otaagent/internal/version"
	"github.com/ZerkerEOD/otaagent/pkg/debug"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// handle dispatches one event. It reports true when the agent should stop.
func (a *Agent) handle(ctx context.Context, ev osal.Event) bool {
	var payload []byte
	if ev.Data != nil {
		payload = ev.Data.Bytes()
	}
	debug.Debug("Handling %s in state %s", ev.ID, a.State())

	switch ev.ID {
	case osal.EventStart, osal.EventRequestJobDocument:
		a.jobMomentum = 0
		a.requestJobDocument(ctx)
	case osal.EventJobDocReady:
		a.handleJobDocument(ctx, payload)
	case osal.EventDataReady:
		a.handleData(ctx, payload)
	case osal.EventRequestTimeout:
		a.handleRequestTimeout(ctx)
	case osal.EventSelfTestTimeout:
		if a.State() == StateSelfTest {
			debug.Warning("Self-test of job %s timed out", a.jobID)
			a.rejectImage(ctx, "self-test timed out")
		}
	case osal.EventImageState:
		if len(payload) != 1 {
			debug.Warning("Malformed image state event")
			return false
		}
		a.handleImageState(ctx, storage.ImageState(payload[0]))
	case osal.EventUserAbort:
		a.handleAbort(ctx, "aborted by user")
	case osal.EventShutdown:
		return true
	default:
		debug.Warning("Unknown event %s ignored", ev.ID)
	}
	return false
}

func (a *Agent) requestJobDocument(ctx context.Context) {
	switch a.State() {
	case StateReady, StateRequestingJob, StateWaitingForJob:
	default:
		debug.Debug("Job %s in progress, not requesting another", a.jobID)
		return
	}

	a.setState(StateRequestingJob)
	token := uuid.New().String()
	a.clientToken.Store(token)
	if err := a.control.RequestJobDocument(ctx, token); err != nil {
		debug.Error("Failed to request job document: %v", err)
	}
	if err := a.os.StartTimer(osal.RequestTimer, "request", a.opts.Request.Wait, a.onTimer); err != nil {
		debug.Error("Failed to arm job request timer: %v", err)
	}
	a.setState(StateWaitingForJob)
}

func (a *Agent) handleRequestTimeout(ctx context.Context) {
	switch a.State() {
	case StateWaitingForJob, StateRequestingJob:
		a.jobMomentum++
		if limit := a.opts.Request.MaxMomentum; limit > 0 && a.jobMomentum > limit {
			debug.Warning("No job document after %d retries, waiting for notification", a.opts.Request.MaxMomentum)
			a.jobMomentum = 0
			if err := a.os.StopTimer(osal.RequestTimer); err != nil {
				debug.Error("Failed to stop job request timer: %v", err)
			}
			a.setState(StateReady)
			return
		}
		a.requestJobDocument(ctx)
	case StateRequestingFileBlock, StateWaitingForFileBlock:
		err := a.requests.OnTimeout(ctx, a.data, a.fc)
		if errors.Is(err, request.ErrStalled) {
			a.publish(ctx, jobs.Failed(jobs.ReasonAborted, err.Error()))
			a.endJob(ctx)
		}
	default:
		debug.Debug("Stale request timeout in state %s", a.State())
	}
}

func (a *Agent) handleJobDocument(ctx context.Context, payload []byte) {
	doc, err := a.parser.Parse(payload)
	if errors.Is(err, jobs.ErrNoActiveJob) {
		if a.State() == StateWaitingForJob || a.State() == StateRequestingJob {
			debug.Info("No pending job")
			_ = a.os.StopTimer(osal.RequestTimer)
			a.setState(StateReady)
		}
		return
	}
	if err != nil {
		debug.Error("Invalid job document: %v", err)
		// Report against the job when the document names one.
		if id := gjson.GetBytes(payload, "execution.jobId").String(); id != "" && id != a.jobID {
			a.publishFor(ctx, id, jobs.Rejected(err.Error()))
		}
		return
	}

	if token := string(doc.ClientToken); token != "" && token != a.ClientToken() {
		debug.Debug("Job document for client token %s, current is %s", token, a.ClientToken())
	}

	if doc.JobID == a.jobID {
		debug.Debug("Job %s already in progress", doc.JobID)
		return
	}
	if a.jobID != "" {
		debug.Info("Job %s supersedes job %s", doc.JobID, a.jobID)
		a.abortJob(ctx, "superseded by "+doc.JobID)
	}

	_ = a.os.StopTimer(osal.RequestTimer)
	a.jobMomentum = 0
	a.jobID = doc.JobID
	a.currentJob.Store(doc.JobID)

	if doc.SelfTestPending() {
		a.resumeSelfTest(ctx, doc)
		return
	}
	a.startFile(ctx, doc)
}

// resumeSelfTest handles a job that was already in self-test when its
// document was issued: the agent restarted into the new image.
func (a *Agent) resumeSelfTest(ctx context.Context, doc *jobs.Document) {
	fc := doc.FileContext()
	if a.record.State != storage.ImageTesting || a.record.JobID != doc.JobID {
		debug.Warning("Job %s is in self-test but image state is %s for job %q",
			doc.JobID, a.record.State, a.record.JobID)
		a.publish(ctx, jobs.Rejected("image is not under test"))
		a.endJob(ctx)
		return
	}
	a.fc = fc
	a.enterSelfTest(ctx)
}

func (a *Agent) startFile(ctx context.Context, doc *jobs.Document) {
	a.setState(StateCreatingFile)
	fc := doc.FileContext()

	if err := fc.Init(a.opts.BlockSize, a.opts.Granularity); err != nil {
		debug.Error("Cannot accept file %s: %v", fc.FilePath, err)
		a.publish(ctx, jobs.Failed(jobs.ReasonRejected, err.Error()))
		a.endJob(ctx)
		return
	}

	ch, err := dataplane.Select(doc.Protocols, a.opts.DataProtocols, a.channels)
	if err != nil {
		debug.Error("Job %s: %v", doc.JobID, err)
		a.publish(ctx, jobs.Failed(jobs.ReasonRejected, err.Error()))
		a.endJob(ctx)
		return
	}

	sink, err := a.store.Create(fc)
	if err != nil {
		a.publish(ctx, jobs.Failed(jobs.ReasonAborted, err.Error()))
		a.endJob(ctx)
		return
	}
	fc.Sink = sink
	a.fc = fc

	if err := ch.Init(ctx, fc, a.OnDataBlock); err != nil {
		debug.Error("Failed to open %s data channel: %v", ch.Name(), err)
		a.publish(ctx, jobs.Failed(jobs.ReasonAborted, err.Error()))
		a.endJob(ctx)
		return
	}
	a.data = ch

	debug.Info("Receiving %s for job %s: %d bytes in %d blocks over %s",
		fc.FilePath, doc.JobID, fc.FileSize, fc.TotalBlocks(), ch.Name())
	a.requests.Reset()
	a.trackProgress()
	a.publish(ctx, jobs.Receiving(0, fc.TotalBlocks()))
	a.requestBlocks(ctx)
}

func (a *Agent) requestBlocks(ctx context.Context) {
	a.setState(StateRequestingFileBlock)
	if err := a.requests.Request(ctx, a.data, a.fc); err != nil {
		debug.Warning("Block request failed, retrying on timeout: %v", err)
	}
	a.setState(StateWaitingForFileBlock)
}

func (a *Agent) handleData(ctx context.Context, frame []byte) {
	if a.fc == nil || a.data == nil || !a.fc.Active() {
		debug.Debug("Block arrived with no transfer in progress")
		return
	}

	blk, err := dataplane.DecodeBlock(frame)
	if err != nil {
		debug.Warning("Dropping undecodable block: %v", err)
		return
	}

	res, err := a.ingestor.Ingest(a.fc, blk)
	a.requests.OnProgress(res)
	if res.Terminal() {
		a.progress.Store(nil)
	}

	switch res {
	case transfer.ResultAcceptedContinue:
		a.trackProgress()
		if received := a.fc.Received(); received%a.opts.StatusEveryBlocks == 0 {
			a.publish(ctx, jobs.Receiving(received, a.fc.TotalBlocks()))
		}
		if a.requests.RangeDone(a.fc) {
			a.requestBlocks(ctx)
		}
	case transfer.ResultDuplicateContinue:
	case transfer.ResultFileComplete:
		a.completeFile(ctx)
	case transfer.ResultSigCheckFail:
		a.publish(ctx, jobs.Rejected("signature check failed"))
		a.endJob(ctx)
	case transfer.ResultFileCloseFail, transfer.ResultWriteBlockFailed:
		a.publish(ctx, jobs.Failed(jobs.ReasonAborted, fmt.Sprintf("%s: %v", res, err)))
		a.endJob(ctx)
	default:
		debug.Warning("Block %d not ingested: %s", blk.Index, res)
	}
}

// completeFile activates a verified image and starts its self-test.
func (a *Agent) completeFile(ctx context.Context) {
	_ = a.requests.Disarm()
	a.closeData()

	if err := a.store.Activate(a.fc); err != nil {
		debug.Error("Failed to activate %s: %v", a.fc.FilePath, err)
		a.publish(ctx, jobs.Failed(jobs.ReasonAborted, err.Error()))
		a.endJob(ctx)
		return
	}

	a.saveImageState(storage.ImageTesting)
	a.publish(ctx, jobs.SelfTest(jobs.ReasonSelfTestReady, version.Code(a.opts.Version)))
	a.enterSelfTest(ctx)
}

func (a *Agent) enterSelfTest(ctx context.Context) {
	a.publish(ctx, jobs.SelfTest(jobs.ReasonSelfTestActive, version.Code(a.opts.Version)))
	if err := a.os.StartTimer(osal.SelfTestTimer, "self-test", a.opts.SelfTestWait, a.onTimer); err != nil {
		debug.Error("Failed to arm self-test timer: %v", err)
	}
	a.setState(StateSelfTest)
	debug.Info("Image for job %s is under self-test", a.jobID)
}

func (a *Agent) handleImageState(ctx context.Context, state storage.ImageState) {
	switch state {
	case storage.ImageAccepted:
		if a.State() != StateSelfTest {
			debug.Warning("Image accepted outside of self-test, ignored")
			return
		}
		_ = a.os.StopTimer(osal.SelfTestTimer)
		if err := a.store.Accept(a.fc); err != nil {
			debug.Error("Failed to commit image: %v", err)
			a.rejectImage(ctx, err.Error())
			return
		}
		a.saveImageState(storage.ImageAccepted)
		a.publish(ctx, jobs.Succeeded(a.opts.Version))
		debug.Info("Job %s succeeded", a.jobID)
		a.endJob(ctx)
	case storage.ImageRejected:
		if a.State() != StateSelfTest {
			debug.Warning("Image rejected outside of self-test, ignored")
			return
		}
		a.rejectImage(ctx, "self-test failed")
	case storage.ImageAborted:
		a.handleAbort(ctx, "aborted by user")
	default:
		debug.Warning("Image state %s cannot be set", state)
	}
}

// rejectImage rolls back to the previous image and rejects the job.
func (a *Agent) rejectImage(ctx context.Context, detail string) {
	_ = a.os.StopTimer(osal.SelfTestTimer)
	if err := a.store.Rollback(a.fc); err != nil {
		debug.Error("Failed to roll back image: %v", err)
	}
	a.saveImageState(storage.ImageRejected)
	a.publish(ctx, jobs.Rejected(detail))
	a.endJob(ctx)
}

func (a *Agent) handleAbort(ctx context.Context, detail string) {
	if a.jobID == "" {
		debug.Debug("Nothing to abort")
		return
	}
	a.abortJob(ctx, detail)
	a.requestJobDocument(ctx)
}

// abortJob fails the current job, restoring the previous image when the new
// one was already under test.
func (a *Agent) abortJob(ctx context.Context, detail string) {
	debug.Info("Aborting job %s: %s", a.jobID, detail)
	if a.State() == StateSelfTest {
		_ = a.os.StopTimer(osal.SelfTestTimer)
		if err := a.store.Rollback(a.fc); err != nil {
			debug.Error("Failed to roll back image: %v", err)
		}
		a.saveImageState(storage.ImageAborted)
	}
	a.publish(ctx, jobs.Failed(jobs.ReasonAborted, detail))
	a.clearJob()
}

// clearJob drops all per-job state.
func (a *Agent) clearJob() {
	_ = a.requests.Disarm()
	a.requests.Reset()
	a.closeData()
	if a.fc != nil {
		if err := a.fc.Close(); err != nil {
			debug.Warning("Failed to discard partial image: %v", err)
		}
		a.fc = nil
	}
	a.progress.Store(nil)
	a.jobID = ""
	a.currentJob.Store("")
	a.setState(StateReady)
}

// endJob finishes the current job and asks for the next one.
func (a *Agent) endJob(ctx context.Context) {
	a.clearJob()
	a.requestJobDocument(ctx)
}

func (a *Agent) closeData() {
	if a.data == nil {
		return
	}
	if err := a.data.Deinit(); err != nil {
		debug.Warning("Failed to close %s data channel: %v", a.data.Name(), err)
	}
	a.data = nil
}

func (a *Agent) saveImageState(state storage.ImageState) {
	rec := storage.ImageRecord{State: state, JobID: a.jobID}
	if a.fc != nil {
		rec.FileName = a.fc.FilePath
	}
	a.record = rec
	a.image.Store(int32(state))
	if err := a.store.SaveImageState(rec); err != nil {
		debug.Error("Failed to persist image state %s: %v", state, err)
	}
}

func (a *Agent) publish(ctx context.Context, u jobs.Update) {
	a.publishFor(ctx, a.jobID, u)
}

func (a *Agent) publishFor(ctx context.Context, jobID string, u jobs.Update) {
	if jobID == "" {
		return
	}
	doc, err := u.Marshal()
	if err != nil {
		debug.Error("%v", err)
		return
	}
	if err := a.control.PublishStatus(ctx, jobID, doc); err != nil {
		debug.Error("Failed to publish %s for job %s: %v", u.Status, jobID, err)
		return
	}
	if u.Terminal() {
		debug.Info("Job %s finished: %s", jobID, u.Status)
	}
}
