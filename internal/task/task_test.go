package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	tsk := NewTask("run-1", "project-1", "account-1", "@channel", PhotoMessage)

	assert.NotEmpty(t, tsk.ID)
	assert.Equal(t, "run-1", tsk.RunID)
	assert.Equal(t, "project-1", tsk.ProjectID)
	assert.Equal(t, "account-1", tsk.AccountID)
	assert.Equal(t, "@channel", tsk.DestinationID)
	assert.Equal(t, PhotoMessage, tsk.MessageKind)
	assert.Equal(t, PendingStatus, tsk.Status)
	assert.Equal(t, 3, tsk.MaxAttempts)
	assert.Equal(t, 0, tsk.Attempts)
	assert.False(t, tsk.CreatedAt.IsZero())
	assert.Nil(t, tsk.StartedAt)
	assert.Nil(t, tsk.CompletedAt)
}

func TestTaskFromJSON(t *testing.T) {
	original := NewTask("run-1", "project-1", "account-1", "@channel", TextMessage)
	original.Caption = "hello"
	original.SequenceIndex = 4
	original.DelayMs = 4000

	jsonStr, err := original.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, jsonStr, `"destination_id":"@channel"`)

	restored, err := TaskFromJSON(jsonStr)
	require.NoError(t, err)
	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, original.Caption, restored.Caption)
	assert.Equal(t, 4, restored.SequenceIndex)
	assert.Equal(t, 4*time.Second, restored.Delay())
}

func TestTaskFromJSON_InvalidJSON(t *testing.T) {
	_, err := TaskFromJSON("invalid json")

	assert.Error(t, err)
}

func TestMessageKinds(t *testing.T) {
	assert.True(t, TextMessage.Valid())
	assert.False(t, TextMessage.IsMedia())
	assert.True(t, PhotoMessage.IsMedia())
	assert.True(t, VideoMessage.IsMedia())
	assert.False(t, MessageKind("sticker").Valid())
}

func TestMemberKeepsSubmissionOrder(t *testing.T) {
	first := &Task{ID: "b", Seq: 9}
	second := &Task{ID: "a", Seq: 10}

	assert.Less(t, first.Member(), second.Member())
	assert.Equal(t, "b", IDFromMember(first.Member()))
	assert.Equal(t, "plain", IDFromMember("plain"))
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second

	assert.Equal(t, 2*time.Second, Backoff(base, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, 2))
	assert.Equal(t, 8*time.Second, Backoff(base, 3))
	assert.Equal(t, 2*time.Second, Backoff(base, 0))
}

func TestAttemptsLeft(t *testing.T) {
	tsk := &Task{MaxAttempts: 3}

	tsk.Attempts = 1
	assert.True(t, tsk.AttemptsLeft())
	tsk.Attempts = 2
	assert.True(t, tsk.AttemptsLeft())
	tsk.Attempts = 3
	assert.False(t, tsk.AttemptsLeft())
}
