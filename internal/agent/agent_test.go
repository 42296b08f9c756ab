package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZerkerEOD/otaagent/internal/config"
	"github.com/ZerkerEOD/otaagent/internal/dataplane"
	"github.com/ZerkerEOD/otaagent/internal/jobs"
	"github.com/ZerkerEOD/otaagent/internal/mocks"
	"github.com/ZerkerEOD/otaagent/internal/osal"
	"github.com/ZerkerEOD/otaagent/internal/osal/osaltest"
	"github.com/ZerkerEOD/otaagent/internal/request"
	"github.com/ZerkerEOD/otaagent/internal/storage"
	"github.com/ZerkerEOD/otaagent/internal/transfer"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBlockSize = 256
	testFileID    = 3
)

type harness struct {
	t        *testing.T
	os       *osaltest.Provider
	control  *mocks.MockControlChannel
	data     *mocks.MockDataChannel
	verifier *mocks.MockVerifier
	fs       afero.Fs
	store    *storage.Store
	agent    *Agent
	done     chan error
}

func testOptions() Options {
	return Options{
		BlockSize:   testBlockSize,
		Granularity: transfer.GranularityBit,
		QueueDepth:  20,
		PoolSize:    8,
		SendTimeout: 100 * time.Millisecond,
		Request: request.Policy{
			Wait:             time.Hour,
			MaxMomentum:      3,
			BlocksPerRequest: 1,
			ResetOnDuplicate: true,
		},
		SelfTestWait:      time.Hour,
		StatusEveryBlocks: 2,
		DataProtocols:     []string{"mqtt"},
		Version:           "1.2.3",
	}
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		os:       osaltest.New(),
		control:  mocks.NewMockControlChannel(),
		data:     mocks.NewMockDataChannel("mqtt"),
		verifier: &mocks.MockVerifier{},
		fs:       afero.NewMemMapFs(),
	}
	store, err := storage.New(h.fs, "/images")
	require.NoError(t, err)
	h.store = store

	opts := testOptions()
	if mutate != nil {
		mutate(&opts)
	}
	h.agent, err = New(Deps{
		OS:       h.os,
		Control:  h.control,
		Data:     []dataplane.Channel{h.data},
		Store:    h.store,
		Verifier: h.verifier,
	}, opts)
	require.NoError(t, err)
	return h
}

// start runs the agent and waits for its first job document request.
func (h *harness) start() {
	h.t.Helper()
	h.done = make(chan error, 1)
	go func() { h.done <- h.agent.Run(context.Background()) }()
	h.eventually(func() bool { return len(h.control.Tokens()) == 1 })
	h.t.Cleanup(func() {
		if h.agent.State() != StateStopped {
			_ = h.agent.Shutdown()
			<-h.done
		}
	})
}

func (h *harness) stop() error {
	h.t.Helper()
	require.NoError(h.t, h.agent.Shutdown())
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("agent did not stop")
		return nil
	}
}

func (h *harness) eventually(cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, 5*time.Millisecond)
}

// waitRequests waits until n block requests were sent and the request timer is armed.
func (h *harness) waitRequests(n int) {
	h.t.Helper()
	h.eventually(func() bool {
		st, ok := h.os.Timer(osal.RequestTimer)
		return len(h.data.Requests()) == n && ok && st.Armed
	})
}

func (h *harness) waitArmed(id osal.TimerID) {
	h.t.Helper()
	h.eventually(func() bool {
		st, ok := h.os.Timer(id)
		return ok && st.Armed
	})
}

func (h *harness) statuses() []jobs.Update {
	var out []jobs.Update
	for _, s := range h.control.Statuses() {
		var u jobs.Update
		require.NoError(h.t, json.Unmarshal(s.Doc, &u))
		out = append(out, u)
	}
	return out
}

func (h *harness) lastStatus() (jobs.Update, bool) {
	all := h.statuses()
	if len(all) == 0 {
		return jobs.Update{}, false
	}
	return all[len(all)-1], true
}

func (h *harness) waitStatus(status jobs.Status) jobs.Update {
	h.t.Helper()
	var last jobs.Update
	h.eventually(func() bool {
		u, ok := h.lastStatus()
		last = u
		return ok && u.Status == status
	})
	return last
}

func (h *harness) sendBlock(image []byte, i int) {
	h.t.Helper()
	end := min((i+1)*testBlockSize, len(image))
	require.NoError(h.t, h.data.Send(testFileID, i, image[i*testBlockSize:end]))
}

// transfer delivers every block of image in order, waiting for each request.
func (h *harness) transfer(image []byte) {
	h.t.Helper()
	blocks := (len(image) + testBlockSize - 1) / testBlockSize
	for i := 0; i < blocks; i++ {
		h.waitRequests(i + 1)
		assert.Equal(h.t, mocks.BlockRequest{First: i, Last: i}, h.data.Requests()[i])
		h.sendBlock(image, i)
	}
}

func testImage(size int) []byte {
	return bytes.Repeat([]byte("firmware"), size/8+1)[:size]
}

func jobDoc(t *testing.T, jobID string, size int, mutate func(exec map[string]any)) []byte {
	t.Helper()
	exec := map[string]any{
		"jobId": jobID,
		"jobDocument": map[string]any{
			"afr_ota": map[string]any{
				"protocols":  []string{"MQTT"},
				"streamname": "stream-" + jobID,
				"files": []any{map[string]any{
					"filepath":         "/ota/fw.bin",
					"filesize":         size,
					"fileid":           testFileID,
					"certfile":         "codesign.pem",
					"sig-sha256-ecdsa": base64.StdEncoding.EncodeToString([]byte("signature")),
				}},
			},
		},
	}
	if mutate != nil {
		mutate(exec)
	}
	doc, err := json.Marshal(map[string]any{"clientToken": "token", "timestamp": 1, "execution": exec})
	require.NoError(t, err)
	return doc
}

func TestFullUpdate(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, afero.WriteFile(h.fs, "/images/fw.bin", []byte("old"), 0600))
	h.start()
	assert.Equal(t, StateWaitingForJob, h.agent.State())
	assert.NotEmpty(t, h.agent.ClientToken())

	image := testImage(1000)
	require.NoError(t, h.control.Deliver(jobDoc(t, "job-1", len(image), nil)))
	h.transfer(image)

	h.eventually(func() bool { return h.agent.State() == StateSelfTest })
	assert.Equal(t, storage.ImageTesting, h.agent.ImageState())
	assert.Equal(t, "job-1", h.agent.CurrentJob())
	assert.Equal(t, 1, h.verifier.Calls)

	active, err := afero.ReadFile(h.fs, "/images/fw.bin")
	require.NoError(t, err)
	assert.Equal(t, image, active)

	h.waitArmed(osal.SelfTestTimer)

	require.NoError(t, h.agent.SetImageState(storage.ImageAccepted))
	done := h.waitStatus(jobs.StatusSucceeded)
	assert.Equal(t, "accepted 1.2.3", done.StatusDetails["reason"])
	assert.Equal(t, storage.ImageAccepted, h.agent.ImageState())

	ok, err := afero.Exists(h.fs, "/images/fw.bin.previous")
	require.NoError(t, err)
	assert.False(t, ok)

	// the agent goes back to asking for work
	h.eventually(func() bool { return len(h.control.Tokens()) == 2 })
	assert.Equal(t, "", h.agent.CurrentJob())

	got := h.statuses()
	require.Len(t, got, 5)
	assert.Equal(t, "0/4", got[0].StatusDetails["receive"])
	assert.Equal(t, "2/4", got[1].StatusDetails["receive"])
	assert.Equal(t, "ready", got[2].StatusDetails["self_test"])
	assert.Equal(t, "active", got[3].StatusDetails["self_test"])
	assert.Equal(t, "16908291", got[3].StatusDetails["updatedBy"])
	for _, s := range h.control.Statuses() {
		assert.Equal(t, "job-1", s.JobID)
	}

	require.NoError(t, h.stop())
	assert.Equal(t, StateStopped, h.agent.State())
	stats := h.agent.Statistics()
	assert.Equal(t, uint32(4), stats.PacketsReceived)
	assert.Equal(t, uint32(4), stats.PacketsQueued)
	assert.Equal(t, uint32(4), stats.PacketsProcessed)
	assert.Equal(t, uint32(0), stats.PacketsDropped)
	assert.Equal(t, h.agent.pool.Capacity(), h.agent.pool.Available())
}

func TestDuplicateBlocks(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	image := testImage(1000)
	require.NoError(t, h.control.Deliver(jobDoc(t, "job-1", len(image), nil)))
	h.waitRequests(1)

	h.sendBlock(image, 0)
	h.waitRequests(2)
	h.sendBlock(image, 0)

	h.eventually(func() bool { return h.agent.Statistics().PacketsProcessed == 2 })
	assert.Len(t, h.data.Requests(), 2, "a duplicate does not trigger a request")
	assert.Equal(t, 0, h.agent.Momentum())
	assert.Equal(t, StateWaitingForFileBlock, h.agent.State())
}

func TestRequestTimeoutMomentum(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	image := testImage(1000)
	require.NoError(t, h.control.Deliver(jobDoc(t, "job-1", len(image), nil)))
	h.waitRequests(1)

	require.True(t, h.os.FireTimer(osal.RequestTimer))
	h.waitRequests(2)
	assert.Equal(t, 1, h.agent.Momentum())
	assert.Equal(t, mocks.BlockRequest{First: 0, Last: 0}, h.data.Requests()[1])

	h.sendBlock(image, 0)
	h.eventually(func() bool { return h.agent.Momentum() == 0 })
}

func TestTransferStalls(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	require.NoError(t, h.control.Deliver(jobDoc(t, "job-1", 1000, nil)))
	for n := 1; n <= 3; n++ {
		h.waitRequests(n)
		require.True(t, h.os.FireTimer(osal.RequestTimer))
	}
	h.waitRequests(4)
	require.True(t, h.os.FireTimer(osal.RequestTimer))

	failed := h.waitStatus(jobs.StatusFailed)
	assert.Contains(t, failed.StatusDetails["reason"], "stalled")
	h.eventually(func() bool { return len(h.control.Tokens()) == 2 })
	assert.Equal(t, StateWaitingForJob, h.agent.State())

	_, deinits := h.data.Calls()
	assert.Equal(t, 1, deinits)
	ok, err := afero.Exists(h.fs, "/images/fw.bin.part")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSelfTestTimeoutRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, afero.WriteFile(h.fs, "/images/fw.bin", []byte("old"), 0600))
	h.start()

	image := testImage(600)
	require.NoError(t, h.control.Deliver(jobDoc(t, "job-1", len(image), nil)))
	h.transfer(image)
	h.eventually(func() bool { return h.agent.State() == StateSelfTest })
	h.waitArmed(osal.SelfTestTimer)

	require.True(t, h.os.FireTimer(osal.SelfTestTimer))
	rejected := h.waitStatus(jobs.StatusRejected)
	assert.Contains(t, rejected.StatusDetails["reason"], "timed out")
	assert.Equal(t, storage.ImageRejected, h.agent.ImageState())

	active, err := afero.ReadFile(h.fs, "/images/fw.bin")
	require.NoError(t, err)
	assert.Equal(t, "old", string(active))

	rec, err := h.store.LoadImageState()
	require.NoError(t, err)
	assert.Equal(t, storage.ImageRejected, rec.State)
}

func TestSelfTestRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	image := testImage(300)
	require.NoError(t, h.control.Deliver(jobDoc(t, "job-1", len(image), nil)))
	h.transfer(image)
	h.eventually(func() bool { return h.agent.State() == StateSelfTest })

	require.NoError(t, h.agent.SetImageState(storage.ImageRejected))
	rejected := h.waitStatus(jobs.StatusRejected)
	assert.Contains(t, rejected.StatusDetails["reason"], "self-test failed")
}

func TestImageStateOutsideSelfTestIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	require.NoError(t, h.agent.SetImageState(storage.ImageAccepted))
	require.NoError(t, h.agent.SetImageState(storage.ImageTesting))
	require.NoError(t, h.stop())
	assert.Empty(t, h.control.Statuses())
	assert.Equal(t, storage.ImageUnknown, h.agent.ImageState())
}

func TestSignatureFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.VerifyFunc = func(image, sig []byte, cert string) error {
		assert.Equal(t, []byte("signature"), sig)
		assert.Equal(t, "codesign.pem", cert)
		return errors.New("bad signature")
	}
	h.start()

	image := testImage(512)
	require.NoError(t, h.control.Deliver(jobDoc(t, "job-1", len(image), nil)))
	h.transfer(image)

	rejected := h.waitStatus(jobs.StatusRejected)
	assert.Contains(t, rejected.StatusDetails["reason"], "signature")
	for _, p := range []string{"/images/fw.bin", "/images/fw.bin.pending", "/images/fw.bin.part"} {
		ok, err := afero.Exists(h.fs, p)
		require.NoError(t, err)
		assert.False(t, ok, p)
	}
}

func TestFileRejectedAtAcceptance(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		mutate func(exec map[string]any)
		reason string
	}{
		{
			name:   "exceeds bitmap ceiling",
			size:   testBlockSize*transfer.MaxBlocks(transfer.GranularityBit) + 1,
			reason: "bitmap ceiling",
		},
		{
			name: "no usable protocol",
			size: 1000,
			mutate: func(exec map[string]any) {
				exec["jobDocument"].(map[string]any)["afr_ota"].(map[string]any)["protocols"] = []string{"HTTP"}
			},
			reason: "no usable data protocol",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.start()

			require.NoError(t, h.control.Deliver(jobDoc(t, "job-1", tt.size, tt.mutate)))
			failed := h.waitStatus(jobs.StatusFailed)
			assert.Contains(t, failed.StatusDetails["reason"], tt.reason)
			assert.Empty(t, h.data.Requests())
			inits, _ := h.data.Calls()
			assert.Equal(t, 0, inits)
			h.eventually(func() bool { return len(h.control.Tokens()) == 2 })
		})
	}
}

func TestUserAbort(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	image := testImage(1000)
	require.NoError(t, h.control.Deliver(jobDoc(t, "job-1", len(image), nil)))
	h.waitRequests(1)
	h.sendBlock(image, 0)
	h.waitRequests(2)

	require.NoError(t, h.agent.Abort())
	failed := h.waitStatus(jobs.StatusFailed)
	assert.Equal(t, "aborted: aborted by user", failed.StatusDetails["reason"])

	_, deinits := h.data.Calls()
	assert.Equal(t, 1, deinits)
	ok, err := afero.Exists(h.fs, "/images/fw.bin.part")
	require.NoError(t, err)
	assert.False(t, ok)

	// late blocks are ignored
	require.Error(t, h.data.Send(testFileID, 1, image[256:512]))
}

func TestTransferProgress(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	_, ok := h.agent.Progress()
	assert.False(t, ok)

	image := testImage(1000)
	require.NoError(t, h.control.Deliver(jobDoc(t, "job-1", len(image), nil)))
	h.waitRequests(1)
	p, ok := h.agent.Progress()
	require.True(t, ok)
	assert.Equal(t, Progress{JobID: "job-1", FilePath: "/ota/fw.bin", Received: 0, Total: 4, BlockSize: testBlockSize}, p)

	h.sendBlock(image, 0)
	h.waitRequests(2)
	p, ok = h.agent.Progress()
	require.True(t, ok)
	assert.Equal(t, 1, p.Received)

	require.NoError(t, h.agent.Abort())
	h.waitStatus(jobs.StatusFailed)
	h.eventually(func() bool {
		_, ok := h.agent.Progress()
		return !ok
	})
}

func TestJobSuperseded(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	require.NoError(t, h.control.Deliver(jobDoc(t, "job-1", 1000, nil)))
	h.waitRequests(1)
	require.NoError(t, h.control.Deliver(jobDoc(t, "job-2", 500, nil)))
	h.waitRequests(2)

	assert.Equal(t, "job-2", h.agent.CurrentJob())
	reports := h.control.Statuses()
	require.Len(t, reports, 3)
	assert.Equal(t, "job-1", reports[1].JobID)
	assert.Contains(t, string(reports[1].Doc), "superseded by job-2")
	assert.Equal(t, "job-2", reports[2].JobID)
	assert.Len(t, h.control.Tokens(), 1, "no job request between the two jobs")
}

func TestDuplicateJobDocumentIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	doc := jobDoc(t, "job-1", 1000, nil)
	require.NoError(t, h.control.Deliver(doc))
	h.waitRequests(1)
	require.NoError(t, h.control.Deliver(doc))
	require.NoError(t, h.stop())

	assert.Len(t, h.data.Requests(), 1)
	assert.Len(t, h.control.Statuses(), 1)
}

func TestNoPendingJob(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	require.NoError(t, h.control.Deliver([]byte(`{"clientToken":"x","timestamp":1700000000}`)))
	h.eventually(func() bool { return h.agent.State() == StateReady })

	st, ok := h.os.Timer(osal.RequestTimer)
	require.True(t, ok)
	assert.False(t, st.Armed)
	assert.Empty(t, h.control.Statuses())
}

func TestJobRequestRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	for n := 2; n <= 4; n++ {
		h.waitArmed(osal.RequestTimer)
		require.True(t, h.os.FireTimer(osal.RequestTimer))
		h.eventually(func() bool { return len(h.control.Tokens()) == n })
	}
	tokens := h.control.Tokens()
	assert.NotEqual(t, tokens[0], tokens[1])

	// past the momentum limit the agent waits for a pushed notification
	h.waitArmed(osal.RequestTimer)
	require.True(t, h.os.FireTimer(osal.RequestTimer))
	h.eventually(func() bool { return h.agent.State() == StateReady })
	assert.Len(t, h.control.Tokens(), 4)
	st, ok := h.os.Timer(osal.RequestTimer)
	require.True(t, ok)
	assert.Equal(t, 1, st.Stops)
}

// timeoutCounter counts request timeouts reaching the queue.
type timeoutCounter struct {
	osal.Provider
	timeouts atomic.Int32
}

func (c *timeoutCounter) SendEvent(ev osal.Event, timeout time.Duration) error {
	if ev.ID == osal.EventRequestTimeout {
		c.timeouts.Add(1)
	}
	return c.Provider.SendEvent(ev, timeout)
}

func TestJobRequestGiveUpStopsPeriodicTimer(t *testing.T) {
	provider := &timeoutCounter{Provider: osal.NewPosix()}
	control := mocks.NewMockControlChannel()
	store, err := storage.New(afero.NewMemMapFs(), "/images")
	require.NoError(t, err)

	opts := testOptions()
	opts.Request.Wait = 20 * time.Millisecond
	opts.Request.MaxMomentum = 1
	ag, err := New(Deps{
		OS:       provider,
		Control:  control,
		Data:     []dataplane.Channel{mocks.NewMockDataChannel("mqtt")},
		Store:    store,
		Verifier: &mocks.MockVerifier{},
	}, opts)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ag.Run(context.Background()) }()
	defer func() {
		require.NoError(t, ag.Shutdown())
		assert.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool { return ag.State() == StateReady }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, control.Tokens(), 2)

	time.Sleep(40 * time.Millisecond)
	settled := provider.timeouts.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, settled, provider.timeouts.Load(), "request timer kept firing after giving up")
	assert.Equal(t, StateReady, ag.State())
	assert.Len(t, control.Tokens(), 2)
}

func TestInvalidJobDocumentRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	doc := jobDoc(t, "job-7", 1000, func(exec map[string]any) {
		delete(exec["jobDocument"].(map[string]any)["afr_ota"].(map[string]any), "files")
	})
	require.NoError(t, h.control.Deliver(doc))

	h.waitStatus(jobs.StatusRejected)
	assert.Equal(t, "job-7", h.control.Statuses()[0].JobID)
	assert.Equal(t, StateWaitingForJob, h.agent.State())
}

func TestResumeSelfTestAfterRestart(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.SaveImageState(storage.ImageRecord{
		State: storage.ImageTesting, JobID: "job-9", FileName: "/ota/fw.bin",
	}))
	h.start()
	assert.Equal(t, storage.ImageTesting, h.agent.ImageState())

	doc := jobDoc(t, "job-9", 1000, func(exec map[string]any) {
		exec["statusDetails"] = map[string]any{"self_test": "ready", "updatedBy": "16908290"}
	})
	require.NoError(t, h.control.Deliver(doc))
	h.eventually(func() bool { return h.agent.State() == StateSelfTest })

	u, ok := h.lastStatus()
	require.True(t, ok)
	assert.Equal(t, "active", u.StatusDetails["self_test"])
	assert.Empty(t, h.data.Requests())

	require.NoError(t, h.agent.SetImageState(storage.ImageAccepted))
	h.waitStatus(jobs.StatusSucceeded)
}

func TestResumeSelfTestWithoutTestingImage(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	doc := jobDoc(t, "job-9", 1000, func(exec map[string]any) {
		exec["statusDetails"] = map[string]any{"self_test": "ready"}
	})
	require.NoError(t, h.control.Deliver(doc))
	rejected := h.waitStatus(jobs.StatusRejected)
	assert.True(t, strings.HasSuffix(rejected.StatusDetails["reason"], "image is not under test"))
}

func TestRunQueueInitFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.os.InitErr = osal.ErrEventQueueCreateFailed

	err := h.agent.Run(context.Background())
	assert.ErrorIs(t, err, osal.ErrEventQueueCreateFailed)
	assert.Equal(t, StateStopped, h.agent.State())
	assert.Equal(t, 0, h.control.SubscribeCalls)
}

func TestBlockDroppedWithoutQueue(t *testing.T) {
	h := newHarness(t, nil)

	frame, err := dataplane.EncodeBlock(testFileID, 0, []byte("x"))
	require.NoError(t, err)
	assert.Error(t, h.agent.OnDataBlock(frame))

	stats := h.agent.Statistics()
	assert.Equal(t, uint32(1), stats.PacketsReceived)
	assert.Equal(t, uint32(0), stats.PacketsQueued)
	assert.Equal(t, uint32(1), stats.PacketsDropped)
	assert.Equal(t, h.agent.pool.Capacity(), h.agent.pool.Available())
}

func TestBlockBusyWhenPoolExhausted(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PoolSize = 2 })
	h.start()

	held := make([]*osal.Buffer, 0, 2)
	for i := 0; i < 2; i++ {
		buf, err := h.agent.pool.Acquire()
		require.NoError(t, err)
		held = append(held, buf)
	}

	frame, err := dataplane.EncodeBlock(testFileID, 0, []byte("x"))
	require.NoError(t, err)
	err = h.agent.OnDataBlock(frame)
	assert.ErrorIs(t, err, dataplane.ErrBusy)
	assert.ErrorIs(t, err, osal.ErrPoolExhausted)
	assert.Equal(t, uint32(1), h.agent.Statistics().PacketsDropped)

	for _, buf := range held {
		require.NoError(t, h.agent.pool.Release(buf))
	}
	assert.NoError(t, h.agent.OnDataBlock(frame))
}

type memRangeReader struct {
	data []byte
}

func (r *memRangeReader) Check(*transfer.FileContext) error { return nil }

func (r *memRangeReader) ReadRange(_ context.Context, _ dataplane.Target, offset, length int64) ([]byte, error) {
	return r.data[offset : offset+length], nil
}

func TestRangedTransferWithSmallPool(t *testing.T) {
	image := testImage(8 * testBlockSize)
	provider := osaltest.New()
	control := mocks.NewMockControlChannel()
	store, err := storage.New(afero.NewMemMapFs(), "/images")
	require.NoError(t, err)

	opts := testOptions()
	opts.PoolSize = 2
	opts.Request.BlocksPerRequest = 8
	opts.DataProtocols = []string{"http"}
	ag, err := New(Deps{
		OS:       provider,
		Control:  control,
		Data:     []dataplane.Channel{dataplane.NewRangedChannel("http", &memRangeReader{data: image})},
		Store:    store,
		Verifier: &mocks.MockVerifier{},
	}, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, ag.opts.Request.BlocksPerRequest)

	done := make(chan error, 1)
	go func() { done <- ag.Run(context.Background()) }()
	defer func() {
		require.NoError(t, ag.Shutdown())
		assert.NoError(t, <-done)
	}()
	require.Eventually(t, func() bool { return len(control.Tokens()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, control.Deliver(jobDoc(t, "job-r", len(image), func(exec map[string]any) {
		exec["jobDocument"].(map[string]any)["afr_ota"].(map[string]any)["protocols"] = []string{"HTTP"}
	})))

	// the request timer never fires here, so every block must arrive from the first requests
	require.Eventually(t, func() bool { return ag.State() == StateSelfTest }, 2*time.Second, 5*time.Millisecond)
	stats := ag.Statistics()
	assert.Equal(t, stats.PacketsQueued, stats.PacketsProcessed)
	assert.GreaterOrEqual(t, stats.PacketsQueued, uint32(8))
}

func TestOversizedPayloadDropped(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.BufferSize = 16 })
	h.start()

	assert.ErrorIs(t, h.agent.OnDataBlock(make([]byte, 17)), osal.ErrBufferTooSmall)
	assert.Equal(t, uint32(1), h.agent.Statistics().PacketsDropped)
	assert.Equal(t, h.agent.pool.Capacity(), h.agent.pool.Available())
}

func TestContextCancelStopsAgent(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.agent.Run(ctx) }()
	h.eventually(func() bool { return len(h.control.Tokens()) == 1 })

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
	assert.Equal(t, StateStopped, h.agent.State())
}

func TestNewValidation(t *testing.T) {
	_, err := New(Deps{}, testOptions())
	assert.Error(t, err)

	_, err = New(Deps{
		OS:      osaltest.New(),
		Control: mocks.NewMockControlChannel(),
		Store:   &storage.Store{},
	}, Options{})
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.BlockSizeExp = 10
	cfg.BitmapGranularity = config.GranularityByte

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1024, opts.BlockSize)
	assert.Equal(t, transfer.GranularityByte, opts.Granularity)
	assert.Equal(t, cfg.MaxMomentum, opts.Request.MaxMomentum)
	assert.Equal(t, cfg.DataProtocols, opts.DataProtocols)

	cfg.BitmapGranularity = "nibble"
	_, err = OptionsFromConfig(cfg)
	assert.Error(t, err)
}
