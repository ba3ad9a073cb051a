package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"codecollab/internal/repository"
	"codecollab/internal/repository/mocks"
	"codecollab/internal/tasks"
)

// recordingMailer 记录发送的邀请
type recordingMailer struct {
	sent []string
	err  error
}

func (m *recordingMailer) SendInvite(ctx context.Context, to, senderName, roomID, inviteLink string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, to)
	return nil
}

func TestContentPersistHandler_Success(t *testing.T) {
	mockRoomRepo := new(mocks.RoomRepository)
	handler := NewContentPersistHandler(mockRoomRepo)

	modifiedAt := time.Now().Truncate(time.Second)
	task, err := tasks.NewContentPersistTask(tasks.ContentPersistPayload{
		RoomID:     "room-1",
		Content:    "updated",
		ModifiedAt: modifiedAt,
	})
	require.NoError(t, err)

	mockRoomRepo.On("UpdateContent", mock.Anything, "room-1", "updated", mock.AnythingOfType("time.Time")).
		Return(nil).Once()

	err = handler.ProcessTask(context.Background(), task)
	assert.NoError(t, err)
	mockRoomRepo.AssertExpectations(t)
}

func TestContentPersistHandler_RoomGone_SkipsRetry(t *testing.T) {
	// 房间已被清理时重试无意义，任务应标记为不可重试
	mockRoomRepo := new(mocks.RoomRepository)
	handler := NewContentPersistHandler(mockRoomRepo)

	task, err := tasks.NewContentPersistTask(tasks.ContentPersistPayload{
		RoomID: "gone", Content: "x", ModifiedAt: time.Now(),
	})
	require.NoError(t, err)

	mockRoomRepo.On("UpdateContent", mock.Anything, "gone", "x", mock.AnythingOfType("time.Time")).
		Return(repository.ErrRoomNotFound).Once()

	err = handler.ProcessTask(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	mockRoomRepo.AssertExpectations(t)
}

func TestContentPersistHandler_MalformedPayload(t *testing.T) {
	handler := NewContentPersistHandler(new(mocks.RoomRepository))
	task := asynq.NewTask(tasks.TypeContentPersist, []byte("{not json"))

	err := handler.ProcessTask(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry, "坏载荷不应反复重试")
}

func TestInviteEmailHandler_Success(t *testing.T) {
	m := &recordingMailer{}
	handler := NewInviteEmailHandler(m)

	task, err := tasks.NewInviteEmailTask(tasks.InviteEmailPayload{
		To:         "friend@example.com",
		SenderName: "owner",
		RoomID:     "room-1",
		InviteLink: "http://localhost:3000/join-room?roomId=room-1",
	})
	require.NoError(t, err)

	err = handler.ProcessTask(context.Background(), task)
	assert.NoError(t, err)
	assert.Equal(t, []string{"friend@example.com"}, m.sent)
}

func TestInviteEmailHandler_MailerFailure_Retriable(t *testing.T) {
	m := &recordingMailer{err: errors.New("smtp unavailable")}
	handler := NewInviteEmailHandler(m)

	payload, err := json.Marshal(tasks.InviteEmailPayload{To: "x@example.com"})
	require.NoError(t, err)
	task := asynq.NewTask(tasks.TypeInviteEmail, payload)

	err = handler.ProcessTask(context.Background(), task)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry, "投递失败应交给队列重试")
}

func TestRoomPurgeHandler(t *testing.T) {
	mockRoomRepo := new(mocks.RoomRepository)
	handler := NewRoomPurgeHandler(mockRoomRepo)

	mockRoomRepo.On("DeleteExpired", mock.Anything, mock.AnythingOfType("time.Time")).
		Return(int64(2), nil).Once()

	err := handler.ProcessTask(context.Background(), tasks.NewRoomPurgeTask())
	assert.NoError(t, err)
	mockRoomRepo.AssertExpectations(t)
}
