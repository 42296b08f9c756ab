package jobs

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ZerkerEOD/otaagent/internal/docmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var signature = []byte("3045022100fake-signature-bytes")

func jobDoc(t *testing.T, mutate func(exec map[string]any)) []byte {
	t.Helper()
	file := map[string]any{
		"filepath":         "/ota/firmware.bin",
		"filesize":         1000,
		"fileid":           3,
		"certfile":         "codesign.pem",
		"update_data_url":  "https://updates.example.com/fw.bin",
		"auth_scheme":      "none",
		"sig-sha256-ecdsa": base64.StdEncoding.EncodeToString(signature),
	}
	exec := map[string]any{
		"jobId": "AFR_OTA-job-42",
		"jobDocument": map[string]any{
			"afr_ota": map[string]any{
				"protocols":  []string{"MQTT", "HTTP"},
				"streamname": "AFR_OTA-stream-42",
				"files":      []any{file},
			},
		},
	}
	if mutate != nil {
		mutate(exec)
	}
	doc, err := json.Marshal(map[string]any{
		"clientToken": "token-1",
		"timestamp":   1700000000,
		"execution":   exec,
	})
	require.NoError(t, err)
	return doc
}

func afrOTA(exec map[string]any) map[string]any {
	return exec["jobDocument"].(map[string]any)["afr_ota"].(map[string]any)
}

func newParser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser()
	require.NoError(t, err)
	return p
}

func TestParseJobDocument(t *testing.T) {
	p := newParser(t)
	raw := jobDoc(t, nil)

	d, err := p.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "AFR_OTA-job-42", d.JobID)
	assert.Equal(t, "token-1", string(d.ClientToken))
	assert.Equal(t, uint32(1700000000), d.Timestamp)
	assert.Equal(t, []string{"mqtt", "http"}, d.Protocols)
	assert.Equal(t, "AFR_OTA-stream-42", d.StreamName)
	assert.False(t, d.SelfTestPending())

	assert.Equal(t, "/ota/firmware.bin", d.File.FilePath)
	assert.Equal(t, uint32(1000), d.File.FileSize)
	assert.Equal(t, uint32(3), d.File.FileID)
	assert.Equal(t, "codesign.pem", d.File.CertFile)
	assert.Equal(t, signature, d.File.Signature)

	fc := d.FileContext()
	assert.Equal(t, "AFR_OTA-job-42", fc.JobID)
	assert.Equal(t, uint32(3), fc.ServerFileID)
	assert.Equal(t, "https://updates.example.com/fw.bin", fc.UpdateURL)
	assert.Equal(t, signature, fc.Signature)
}

func TestParseMissingJobID(t *testing.T) {
	p := newParser(t)
	_, err := p.Parse(jobDoc(t, func(exec map[string]any) { delete(exec, "jobId") }))

	require.Error(t, err)
	assert.True(t, errors.Is(err, docmodel.ErrMalformedDoc))
	var perr *docmodel.ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, []string{"execution.jobId"}, perr.Keys)
}

func TestParseNumericJobID(t *testing.T) {
	p := newParser(t)
	_, err := p.Parse(jobDoc(t, func(exec map[string]any) { exec["jobId"] = 42 }))

	require.Error(t, err)
	assert.True(t, errors.Is(err, docmodel.ErrFieldTypeMismatch))
}

func TestParseSelfTestDetails(t *testing.T) {
	p := newParser(t)
	d, err := p.Parse(jobDoc(t, func(exec map[string]any) {
		exec["statusDetails"] = map[string]any{"self_test": "active", "updatedBy": "65536"}
	}))

	require.NoError(t, err)
	assert.True(t, d.SelfTestPending())
	assert.Equal(t, uint32(65536), d.UpdatedBy)
	assert.Contains(t, string(d.StatusDetails), "self_test")
}

func TestParseFileErrors(t *testing.T) {
	p := newParser(t)

	tests := []struct {
		name   string
		mutate func(exec map[string]any)
		check  func(t *testing.T, err error)
	}{
		{
			name: "two files",
			mutate: func(exec map[string]any) {
				ota := afrOTA(exec)
				files := ota["files"].([]any)
				ota["files"] = append(files, files[0])
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrMultiFileUnsupported) },
		},
		{
			name:   "no files",
			mutate: func(exec map[string]any) { afrOTA(exec)["files"] = []any{} },
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNoFiles) },
		},
		{
			name: "bad signature encoding",
			mutate: func(exec map[string]any) {
				afrOTA(exec)["files"].([]any)[0].(map[string]any)["sig-sha256-ecdsa"] = "!!!"
			},
			check: func(t *testing.T, err error) { assert.True(t, errors.Is(err, docmodel.ErrBase64Decode)) },
		},
		{
			name: "missing file size",
			mutate: func(exec map[string]any) {
				delete(afrOTA(exec)["files"].([]any)[0].(map[string]any), "filesize")
			},
			check: func(t *testing.T, err error) {
				assert.True(t, errors.Is(err, docmodel.ErrMalformedDoc))
				assert.Contains(t, err.Error(), "filesize")
			},
		},
		{
			name:   "file entry not an object",
			mutate: func(exec map[string]any) { afrOTA(exec)["files"] = []any{"fw.bin"} },
			check:  func(t *testing.T, err error) { assert.True(t, errors.Is(err, docmodel.ErrFieldTypeMismatch)) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(jobDoc(t, tt.mutate))
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestParseNoActiveJob(t *testing.T) {
	p := newParser(t)
	_, err := p.Parse([]byte(`{"clientToken":"token-1","timestamp":1700000000}`))
	assert.ErrorIs(t, err, ErrNoActiveJob)

	_, err = p.Parse([]byte(`not json`))
	assert.True(t, errors.Is(err, docmodel.ErrInvalidJSONBuffer))
}

func TestParseTokenBudget(t *testing.T) {
	p := newParser(t)
	_, err := p.Parse(jobDoc(t, func(exec map[string]any) {
		exec["noise"] = strings.Split(strings.Repeat("x,", 64), ",")
	}))
	assert.True(t, errors.Is(err, docmodel.ErrInvalidJSONBuffer))
}

func TestStatusUpdates(t *testing.T) {
	data, err := Receiving(3, 4).Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"IN_PROGRESS","statusDetails":{"receive":"3/4"}}`, string(data))

	data, err = SelfTest(ReasonSelfTestReady, 7).Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"IN_PROGRESS","statusDetails":{"self_test":"ready","updatedBy":"7"}}`, string(data))

	assert.Equal(t, StatusSucceeded, Succeeded("1.2.0").Status)
	assert.Equal(t, "accepted 1.2.0", Succeeded("1.2.0").StatusDetails["reason"])
	assert.Equal(t, StatusRejected, Rejected("self-test timeout").Status)
	assert.Equal(t, "aborted: user request", Failed(ReasonAborted, "user request").StatusDetails["reason"])

	assert.False(t, Receiving(1, 2).Terminal())
	assert.True(t, Failed(ReasonAborted, "x").Terminal())
}

func TestParseWithoutProtocols(t *testing.T) {
	p := newParser(t)
	_, err := p.Parse(jobDoc(t, nil))
	require.NoError(t, err)

	d, err := p.Parse(jobDoc(t, func(exec map[string]any) { delete(afrOTA(exec), "protocols") }))
	require.NoError(t, err)
	assert.Empty(t, d.Protocols)
}
