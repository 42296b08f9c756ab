package buffer

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBuffer(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := "/var/lib/otaagent"

	sb, err := NewStatusBuffer(fs, dir)
	require.NoError(t, err)

	t.Run("AddMessages", func(t *testing.T) {
		require.NoError(t, sb.Add(MessageTypeJobProgress, "job-1", []byte(`{"status":"IN_PROGRESS","statusDetails":{"receive":"1/4"}}`)))
		require.NoError(t, sb.Add(MessageTypeJobProgress, "job-1", []byte(`{"status":"IN_PROGRESS","statusDetails":{"receive":"2/4"}}`)))
		assert.Equal(t, 1, sb.Count(), "progress for the same job coalesces")

		require.NoError(t, sb.Add(MessageTypeJobStatus, "job-1", []byte(`{"status":"FAILED"}`)))
		require.NoError(t, sb.Add(MessageTypeJobStatus, "job-2", []byte(`{"status":"SUCCEEDED"}`)))
		assert.Equal(t, 3, sb.Count())

		assert.Error(t, sb.Add(MessageTypeJobStatus, "job-3", []byte("not json")))
		assert.Equal(t, 3, sb.Count())
	})

	t.Run("Persistence", func(t *testing.T) {
		sb2, err := NewStatusBuffer(fs, dir)
		require.NoError(t, err)
		messages := sb2.GetAll()
		require.Len(t, messages, 3)
		assert.Equal(t, MessageTypeJobProgress, messages[0].Type)
		assert.JSONEq(t, `{"status":"IN_PROGRESS","statusDetails":{"receive":"2/4"}}`, string(messages[0].Payload))
		assert.Equal(t, "job-2", messages[2].JobID)
	})

	t.Run("RemoveMessages", func(t *testing.T) {
		messages := sb.GetAll()
		require.NoError(t, sb.RemoveMessages([]string{messages[0].ID, messages[1].ID}))
		assert.Equal(t, 1, sb.Count())
		assert.Equal(t, "job-2", sb.GetAll()[0].JobID)
	})

	t.Run("Clear", func(t *testing.T) {
		require.NoError(t, sb.Clear())
		assert.Equal(t, 0, sb.Count())
		exists, err := afero.Exists(fs, dir+"/status_buffer.json")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestCorruptBufferStartsFresh(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/status_buffer.json", []byte("{broken"), 0600))

	sb, err := NewStatusBuffer(fs, "/data")
	require.NoError(t, err)
	assert.Equal(t, 0, sb.Count())
}

func TestTypeFor(t *testing.T) {
	assert.Equal(t, MessageTypeJobProgress, TypeFor([]byte(`{"status":"IN_PROGRESS"}`)))
	assert.Equal(t, MessageTypeJobStatus, TypeFor([]byte(`{"status":"SUCCEEDED"}`)))
	assert.Equal(t, MessageTypeJobStatus, TypeFor([]byte(`garbage`)))
}
