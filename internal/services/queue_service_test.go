package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deskwire/deskwire/internal/locks"
	"github.com/deskwire/deskwire/internal/models"
	apperrors "github.com/deskwire/deskwire/pkg/errors"
)

func newQueueService(t *testing.T, f *fixture) *QueueService {
	t.Helper()

	svc, err := NewQueueService(f.db, locks.NewMemoryManager(), nil, nil, QueueConfig{
		AcceptLockTTL:    2 * time.Second,
		AcceptRetries:    3,
		AcceptRetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Stop)
	return svc
}

func (f *fixture) seedWaiting(t *testing.T, svc *ConversationService, priority models.ConversationPriority) *models.Conversation {
	t.Helper()

	conversation, err := svc.Create(f.ctxA(), principalFor(f.client), CreateConversationInput{
		Priority: priority,
	})
	require.NoError(t, err)
	return conversation
}

func TestQueueAcceptAssignsSingleAgent(t *testing.T) {
	f := newFixture(t)
	conversations := newConversationService(t, f)
	queue := newQueueService(t, f)

	conversation := f.seedWaiting(t, conversations, models.PriorityNormal)

	accepted, err := queue.Accept(f.ctxA(), principalFor(f.agent), conversation.ID)
	require.NoError(t, err)
	require.Equal(t, models.ConversationActive, accepted.Status)
	require.NotNil(t, accepted.AssignedAgentID)
	require.Equal(t, f.agent.ID, *accepted.AssignedAgentID)
	require.True(t, accepted.HasParticipant(f.agent.ID))
	require.True(t, accepted.HasParticipant(f.client.ID))

	var count int64
	require.NoError(t, f.db.Model(&models.QueueEntry{}).
		Where("conversation_id = ?", conversation.ID).Count(&count).Error)
	require.Zero(t, count)
}

func TestQueueAcceptLoserLearnsWinner(t *testing.T) {
	f := newFixture(t)
	conversations := newConversationService(t, f)
	queue := newQueueService(t, f)

	conversation := f.seedWaiting(t, conversations, models.PriorityNormal)

	_, err := queue.Accept(f.ctxA(), principalFor(f.agent), conversation.ID)
	require.NoError(t, err)

	_, err = queue.Accept(f.ctxA(), principalFor(f.agent2), conversation.ID)
	require.ErrorIs(t, err, apperrors.ErrAlreadyAccepted)
	require.Contains(t, apperrors.FromError(err).Message, f.agent.Name)
}

func TestQueueAcceptRace(t *testing.T) {
	f := newFixture(t)
	conversations := newConversationService(t, f)
	queue := newQueueService(t, f)

	conversation := f.seedWaiting(t, conversations, models.PriorityNormal)
	contenders := []models.User{f.agent, f.agent2, f.admin}

	var wg sync.WaitGroup
	results := make([]error, len(contenders))
	for i, contender := range contenders {
		wg.Add(1)
		go func(i int, contender models.User) {
			defer wg.Done()
			_, results[i] = queue.Accept(f.ctxA(), principalFor(contender), conversation.ID)
		}(i, contender)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		switch {
		case err == nil:
			winners++
		default:
			ok := apperrors.FromError(err).Code == apperrors.ErrAlreadyAccepted.Code ||
				apperrors.FromError(err).Code == apperrors.ErrBusy.Code
			require.True(t, ok, "unexpected loser error: %v", err)
		}
	}
	require.Equal(t, 1, winners)

	var stored models.Conversation
	require.NoError(t, f.db.Where("id = ?", conversation.ID).First(&stored).Error)
	require.Equal(t, models.ConversationActive, stored.Status)
	require.NotNil(t, stored.AssignedAgentID)
}

func TestQueueAcceptRejectsClients(t *testing.T) {
	f := newFixture(t)
	conversations := newConversationService(t, f)
	queue := newQueueService(t, f)

	conversation := f.seedWaiting(t, conversations, models.PriorityNormal)

	_, err := queue.Accept(f.ctxA(), principalFor(f.client), conversation.ID)
	require.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestQueueAcceptClosedConversation(t *testing.T) {
	f := newFixture(t)
	conversations := newConversationService(t, f)
	queue := newQueueService(t, f)

	conversation := f.seedWaiting(t, conversations, models.PriorityNormal)
	_, err := conversations.Close(f.ctxA(), principalFor(f.client), conversation.ID)
	require.NoError(t, err)

	_, err = queue.Accept(f.ctxA(), principalFor(f.agent), conversation.ID)
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestQueueAssignForcedReassignment(t *testing.T) {
	f := newFixture(t)
	conversations := newConversationService(t, f)
	queue := newQueueService(t, f)

	conversation := f.seedWaiting(t, conversations, models.PriorityNormal)

	_, err := queue.Accept(f.ctxA(), principalFor(f.agent), conversation.ID)
	require.NoError(t, err)

	// Agents cannot force-assign.
	_, err = queue.Assign(f.ctxA(), principalFor(f.agent2), conversation.ID, f.agent2.ID)
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	reassigned, err := queue.Assign(f.ctxA(), principalFor(f.admin), conversation.ID, f.agent2.ID)
	require.NoError(t, err)
	require.Equal(t, f.agent2.ID, *reassigned.AssignedAgentID)
	require.True(t, reassigned.HasParticipant(f.agent2.ID))
	require.False(t, reassigned.HasParticipant(f.agent.ID))
}

func TestQueueAssignValidatesAgent(t *testing.T) {
	f := newFixture(t)
	conversations := newConversationService(t, f)
	queue := newQueueService(t, f)

	conversation := f.seedWaiting(t, conversations, models.PriorityNormal)

	_, err := queue.Assign(f.ctxA(), principalFor(f.admin), conversation.ID, f.client.ID)
	require.Error(t, err)

	// Agents from another tenant are invisible.
	_, err = queue.Assign(f.ctxA(), principalFor(f.admin), conversation.ID, f.clientB.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestQueueOrderingPriorityThenFIFO(t *testing.T) {
	f := newFixture(t)
	conversations := newConversationService(t, f)
	queue := newQueueService(t, f)

	low := f.seedWaiting(t, conversations, models.PriorityLow)
	normalFirst := f.seedWaiting(t, conversations, models.PriorityNormal)
	normalSecond := f.seedWaiting(t, conversations, models.PriorityNormal)
	urgent := f.seedWaiting(t, conversations, models.PriorityUrgent)

	// Force distinct FIFO timestamps; SQLite time resolution can collapse
	// rows created in the same test tick.
	base := time.Now().UTC().Add(-time.Minute)
	for i, id := range []string{low.ID, normalFirst.ID, normalSecond.ID, urgent.ID} {
		require.NoError(t, f.db.Model(&models.QueueEntry{}).
			Where("conversation_id = ?", id).
			Update("created_at", base.Add(time.Duration(i)*time.Second)).Error)
	}

	items, err := queue.Entries(f.ctxA(), 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 4)
	require.Equal(t, urgent.ID, items[0].Entry.ConversationID)
	require.Equal(t, normalFirst.ID, items[1].Entry.ConversationID)
	require.Equal(t, normalSecond.ID, items[2].Entry.ConversationID)
	require.Equal(t, low.ID, items[3].Entry.ConversationID)

	position, err := queue.Position(f.ctxA(), normalSecond.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, position)

	position, err = queue.Position(f.ctxA(), urgent.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, position)
}

func TestQueueStatus(t *testing.T) {
	f := newFixture(t)
	conversations := newConversationService(t, f)
	queue := newQueueService(t, f)

	f.seedWaiting(t, conversations, models.PriorityNormal)
	f.seedWaiting(t, conversations, models.PriorityNormal)
	f.seedWaiting(t, conversations, models.PriorityUrgent)

	status, err := queue.Status(f.ctxA())
	require.NoError(t, err)
	require.EqualValues(t, 3, status.Depth)
	require.EqualValues(t, 2, status.ByPriority[string(models.PriorityNormal)])
	require.EqualValues(t, 1, status.ByPriority[string(models.PriorityUrgent)])
	require.Positive(t, status.EstimatedWaitSeconds)

	// Seeded users default to offline; marking one agent online and one
	// busy is reflected in the availability counts.
	require.NoError(t, f.db.Model(&models.User{}).
		Where("id = ?", f.agent.ID).Update("presence", models.PresenceOnline).Error)
	require.NoError(t, f.db.Model(&models.User{}).
		Where("id = ?", f.agent2.ID).Update("presence", models.PresenceBusy).Error)

	status, err = queue.Status(f.ctxA())
	require.NoError(t, err)
	require.EqualValues(t, 1, status.AvailableAgents)
	require.EqualValues(t, 1, status.BusyAgents)

	// An empty tenant reports an empty queue.
	status, err = queue.Status(f.ctxB())
	require.NoError(t, err)
	require.Zero(t, status.Depth)
}

func TestQueuePositionMissingEntry(t *testing.T) {
	f := newFixture(t)
	queue := newQueueService(t, f)

	_, err := queue.Position(f.ctxA(), "no-such-conversation")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestQueueAcceptEnforcesConcurrencyCap(t *testing.T) {
	f := newFixture(t)
	conversations := newConversationService(t, f)

	queue, err := NewQueueService(f.db, locks.NewMemoryManager(), nil, nil, QueueConfig{
		AcceptLockTTL:       2 * time.Second,
		AcceptRetryDelay:    10 * time.Millisecond,
		AgentConcurrencyCap: 1,
	})
	require.NoError(t, err)
	t.Cleanup(queue.Stop)

	first := f.seedWaiting(t, conversations, models.PriorityNormal)
	second := f.seedWaiting(t, conversations, models.PriorityNormal)

	_, err = queue.Accept(f.ctxA(), principalFor(f.agent), first.ID)
	require.NoError(t, err)

	_, err = queue.Accept(f.ctxA(), principalFor(f.agent), second.ID)
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	// Another agent still has capacity.
	_, err = queue.Accept(f.ctxA(), principalFor(f.agent2), second.ID)
	require.NoError(t, err)
}

func TestQueueAcceptMarksAgentBusy(t *testing.T) {
	f := newFixture(t)
	conversations := newConversationService(t, f)
	queue := newQueueService(t, f)

	conversation := f.seedWaiting(t, conversations, models.PriorityNormal)

	_, err := queue.Accept(f.ctxA(), principalFor(f.agent), conversation.ID)
	require.NoError(t, err)

	var stored models.User
	require.NoError(t, f.db.Where("id = ?", f.agent.ID).First(&stored).Error)
	require.Equal(t, models.PresenceBusy, stored.Presence)
}

func TestQueueDispatchPairsIdleAgents(t *testing.T) {
	f := newFixture(t)
	conversations := newConversationService(t, f)
	queue := newQueueService(t, f)

	f.seedWaiting(t, conversations, models.PriorityNormal)
	urgent := f.seedWaiting(t, conversations, models.PriorityUrgent)

	// Only one agent is online, so a single pass assigns exactly the
	// highest-priority conversation.
	require.NoError(t, f.db.Model(&models.User{}).
		Where("id = ?", f.agent.ID).Update("presence", models.PresenceOnline).Error)

	assigned := queue.Dispatch(context.Background(), f.tenantA.ID)
	require.Equal(t, 1, assigned)

	var stored models.Conversation
	require.NoError(t, f.db.Where("id = ?", urgent.ID).First(&stored).Error)
	require.Equal(t, models.ConversationActive, stored.Status)
	require.NotNil(t, stored.AssignedAgentID)
	require.Equal(t, f.agent.ID, *stored.AssignedAgentID)

	status, err := queue.Status(f.ctxA())
	require.NoError(t, err)
	require.EqualValues(t, 1, status.Depth)

	// The winner is busy now; a second pass finds nobody idle.
	require.Zero(t, queue.Dispatch(context.Background(), f.tenantA.ID))
}
