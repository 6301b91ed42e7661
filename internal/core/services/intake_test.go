package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven/mocks"
)

func TestIntakeService_Submit(t *testing.T) {
	queue := mocks.NewMockWorkQueue()
	intake := NewIntakeService(queue, 5, discardLogger())

	msg := domain.NewWorkItemMessage(testContainer, "a.json")
	msg.ReceivedAt = msg.ReceivedAt.AddDate(0, 0, -1)
	bare := domain.WorkItemMessage{
		StorageRef: &domain.StorageRef{Container: testContainer, Key: "b.json"},
		EventKind:  "ObjectCreated:CompleteMultipartUpload",
	}

	ids, err := intake.Submit(context.Background(), []domain.WorkItemMessage{msg, bare})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	queued := queue.Enqueued()
	require.Len(t, queued, 2)
	assert.Equal(t, ids[0], queued[0].ID)
	assert.Equal(t, 5, queued[0].MaxAttempts)
	assert.Equal(t, domain.DeliveryStatusPending, queued[0].Status)
	assert.Equal(t, msg.ReceivedAt, queued[0].Message.ReceivedAt)
	assert.False(t, queued[1].Message.ReceivedAt.IsZero())
	assert.Equal(t, queued[1].ID, queued[1].Message.MessageID)
}

func TestIntakeService_DefaultAttempts(t *testing.T) {
	queue := mocks.NewMockWorkQueue()
	intake := NewIntakeService(queue, 0, nil)

	_, err := intake.Submit(context.Background(), []domain.WorkItemMessage{domain.NewWorkItemMessage(testContainer, "a.json")})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultMaxDeliveryAttempts, queue.Enqueued()[0].MaxAttempts)
}

func TestIntakeService_RejectsMalformedBatch(t *testing.T) {
	queue := mocks.NewMockWorkQueue()
	intake := NewIntakeService(queue, 0, discardLogger())

	tests := map[string][]domain.WorkItemMessage{
		"empty":        nil,
		"not json":     {domain.NewWorkItemMessage(testContainer, "a.pdf")},
		"delete event": {{StorageRef: &domain.StorageRef{Container: testContainer, Key: "a.json"}, EventKind: "ObjectRemoved:Delete"}},
	}
	for name, items := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := intake.Submit(context.Background(), items)
			assert.ErrorIs(t, err, domain.ErrMalformedBatch)
		})
	}
	assert.Empty(t, queue.Enqueued())
}

func TestIntakeService_QueueFailure(t *testing.T) {
	queue := mocks.NewMockWorkQueue()
	queue.EnqueueBatchFn = func(ds []*domain.Delivery) error { return errors.New("redis down") }
	intake := NewIntakeService(queue, 0, discardLogger())

	ids, err := intake.Submit(context.Background(), []domain.WorkItemMessage{domain.NewWorkItemMessage(testContainer, "a.json")})
	require.Error(t, err)
	assert.Nil(t, ids)
	assert.Contains(t, err.Error(), "redis down")
}
