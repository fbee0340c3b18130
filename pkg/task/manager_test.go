package task

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/repository"
)

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, repository.Repository) {
	t.Helper()
	repo := repository.NewMemory()
	m := NewManager(repo, opts...)
	t.Cleanup(m.Close)
	return m, repo
}

func userMessage(text string) a2a.Message {
	return a2a.Message{
		Role:  a2a.MessageRoleUser,
		Parts: []a2a.Part{a2a.TextPart(text)},
	}
}

func TestCreateTaskStartsSubmitted(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTask(ctx, userMessage("ping"), nil)
	require.NoError(t, err)

	assert.Equal(t, a2a.TaskStateSubmitted, created.Status.State)
	assert.NotEmpty(t, created.ContextID)
	require.Len(t, created.History, 1)
	assert.Equal(t, "ping", created.History[0].TextOf())

	// Persisted write-through.
	stored, err := repo.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, stored.ID)
}

func TestSimpleLifecycleHistory(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTask(ctx, userMessage("ping"), nil)
	require.NoError(t, err)

	_, err = m.Transition(ctx, created.ID, a2a.TaskStateWorking, nil)
	require.NoError(t, err)

	final, err := m.Transition(ctx, created.ID, a2a.TaskStateCompleted, &a2a.Message{
		Role:  a2a.MessageRoleAgent,
		Parts: []a2a.Part{a2a.TextPart("pong")},
	})
	require.NoError(t, err)

	assert.Equal(t, a2a.TaskStateCompleted, final.Status.State)
	// One user message plus one agent reply.
	require.Len(t, final.History, 2)
	assert.Equal(t, a2a.MessageRoleUser, final.History[0].Role)
	assert.Equal(t, a2a.MessageRoleAgent, final.History[1].Role)
	assert.Equal(t, "pong", final.History[1].TextOf())
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTask(ctx, userMessage("ping"), nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, created.ID, a2a.TaskStateWorking, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, created.ID, a2a.TaskStateCompleted, nil)
	require.NoError(t, err)

	for _, next := range []a2a.TaskState{
		a2a.TaskStateWorking,
		a2a.TaskStateCanceled,
		a2a.TaskStateFailed,
	} {
		_, err := m.Transition(ctx, created.ID, next, nil)
		assert.ErrorIs(t, err, ErrIllegalTransition, "completed -> %s", next)
	}

	// New messages are refused on closed tasks.
	_, err = m.AppendUserMessage(ctx, created.ID, userMessage("more"))
	assert.ErrorIs(t, err, a2a.ErrTaskNotCancelable)
}

func TestIdempotentSameStateTransition(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTask(ctx, userMessage("ping"), nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, created.ID, a2a.TaskStateWorking, nil)
	require.NoError(t, err)

	events, cancel, err := m.Subscribe(created.ID)
	require.NoError(t, err)
	defer cancel()

	// Same state, same (nil) note: no event, no error.
	_, err = m.Transition(ctx, created.ID, a2a.TaskStateWorking, nil)
	require.NoError(t, err)

	select {
	case e := <-events:
		t.Fatalf("unexpected event %T", e)
	default:
	}
}

func TestRejectedOnlyFromSubmitted(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTask(ctx, userMessage("ping"), nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, created.ID, a2a.TaskStateWorking, nil)
	require.NoError(t, err)

	_, err = m.Transition(ctx, created.ID, a2a.TaskStateRejected, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestCancelNonTerminal(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTask(ctx, userMessage("ping"), nil)
	require.NoError(t, err)

	canceled, err := m.Cancel(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCanceled, canceled.Status.State)

	_, err = m.Cancel(ctx, created.ID, nil)
	assert.ErrorIs(t, err, a2a.ErrTaskNotCancelable)
}

func TestConcurrentCancelsReportNotCancelable(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		created, err := m.CreateTask(ctx, userMessage("go"), nil)
		require.NoError(t, err)
		_, err = m.Transition(ctx, created.ID, a2a.TaskStateWorking, nil)
		require.NoError(t, err)

		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for _, text := range []string{"stop it", "never mind"} {
			wg.Add(1)
			go func(text string) {
				defer wg.Done()
				_, err := m.Cancel(ctx, created.ID, &a2a.Message{
					Role:  a2a.MessageRoleUser,
					Parts: []a2a.Part{a2a.TextPart(text)},
				})
				errs <- err
			}(text)
		}
		wg.Wait()
		close(errs)

		// The loser of the race sees TaskNotCancelable, never a raw
		// illegal-transition error.
		for err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, a2a.ErrTaskNotCancelable)
				assert.NotErrorIs(t, err, ErrIllegalTransition)
			}
		}

		got, err := m.Get(ctx, created.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, a2a.TaskStateCanceled, got.Status.State)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Cancel(context.Background(), "task-missing", nil)
	assert.ErrorIs(t, err, a2a.ErrTaskNotFound)
}

func TestArtifactChunkAssembly(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTask(ctx, userMessage("photo"), nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, created.ID, a2a.TaskStateWorking, nil)
	require.NoError(t, err)

	chunks := []string{"part-1", "part-2", "part-3"}
	for i, text := range chunks {
		err := m.AppendArtifactChunk(ctx, created.ID, &a2a.TaskArtifactUpdateEvent{
			Artifact: a2a.Artifact{
				ArtifactID: "artifact-1",
				Parts:      []a2a.Part{a2a.TextPart(text)},
			},
			Append:    i > 0,
			LastChunk: i == len(chunks)-1,
		})
		require.NoError(t, err)
	}

	snapshot, err := m.Get(ctx, created.ID, nil)
	require.NoError(t, err)
	require.Len(t, snapshot.Artifacts, 1)
	require.Len(t, snapshot.Artifacts[0].Parts, 3)
	assert.Equal(t, "part-1", snapshot.Artifacts[0].Parts[0].Text)
	assert.Equal(t, "part-3", snapshot.Artifacts[0].Parts[2].Text)
}

func TestArtifactReplaceWithoutAppend(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTask(ctx, userMessage("photo"), nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, created.ID, a2a.TaskStateWorking, nil)
	require.NoError(t, err)

	for _, text := range []string{"first", "second"} {
		err := m.AppendArtifactChunk(ctx, created.ID, &a2a.TaskArtifactUpdateEvent{
			Artifact: a2a.Artifact{
				ArtifactID: "artifact-1",
				Parts:      []a2a.Part{a2a.TextPart(text)},
			},
		})
		require.NoError(t, err)
	}

	snapshot, err := m.Get(ctx, created.ID, nil)
	require.NoError(t, err)
	require.Len(t, snapshot.Artifacts, 1)
	require.Len(t, snapshot.Artifacts[0].Parts, 1)
	assert.Equal(t, "second", snapshot.Artifacts[0].Parts[0].Text)
}

func TestSubscribersSeeSameOrderAndOneFinal(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTask(ctx, userMessage("go"), nil)
	require.NoError(t, err)

	sub1, cancel1, err := m.Subscribe(created.ID)
	require.NoError(t, err)
	defer cancel1()
	sub2, cancel2, err := m.Subscribe(created.ID)
	require.NoError(t, err)
	defer cancel2()

	_, err = m.Transition(ctx, created.ID, a2a.TaskStateWorking, nil)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		err := m.AppendArtifactChunk(ctx, created.ID, &a2a.TaskArtifactUpdateEvent{
			Artifact: a2a.Artifact{
				ArtifactID: "artifact-1",
				Parts:      []a2a.Part{a2a.TextPart("chunk")},
			},
			Append:    i > 0,
			LastChunk: i == 5,
		})
		require.NoError(t, err)
	}
	_, err = m.Transition(ctx, created.ID, a2a.TaskStateCompleted, nil)
	require.NoError(t, err)

	collect := func(ch <-chan a2a.Event) []a2a.Event {
		var out []a2a.Event
		for e := range ch {
			out = append(out, e)
		}
		return out
	}

	events1 := collect(sub1)
	events2 := collect(sub2)

	// 1 working + 6 chunks + 1 final.
	require.Len(t, events1, 8)
	require.Len(t, events2, 8)

	finals := 0
	for i := range events1 {
		assert.IsType(t, events1[i], events2[i])
		if status, ok := events1[i].(*a2a.TaskStatusUpdateEvent); ok && status.Final {
			finals++
			assert.Equal(t, i, len(events1)-1, "final event must be last")
		}
	}
	assert.Equal(t, 1, finals)
}

func TestSubscribeAfterTerminalReplaysFinal(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTask(ctx, userMessage("go"), nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, created.ID, a2a.TaskStateWorking, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, created.ID, a2a.TaskStateCompleted, nil)
	require.NoError(t, err)

	events, cancel, err := m.Subscribe(created.ID)
	require.NoError(t, err)
	defer cancel()

	var got []a2a.Event
	for e := range events {
		got = append(got, e)
	}
	require.Len(t, got, 1)
	status, ok := got[0].(*a2a.TaskStatusUpdateEvent)
	require.True(t, ok)
	assert.True(t, status.Final)
	assert.Equal(t, a2a.TaskStateCompleted, status.Status.State)
}

func TestGetHistoryLengthTrims(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTask(ctx, userMessage("one"), nil)
	require.NoError(t, err)
	for _, text := range []string{"two", "three", "four"} {
		_, err := m.AppendUserMessage(ctx, created.ID, userMessage(text))
		require.NoError(t, err)
	}

	n := 2
	snapshot, err := m.Get(ctx, created.ID, &n)
	require.NoError(t, err)
	require.Len(t, snapshot.History, 2)
	assert.Equal(t, "three", snapshot.History[0].TextOf())
	assert.Equal(t, "four", snapshot.History[1].TextOf())
}

func TestScanOriginDedup(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	msg := userMessage("motion detected")
	msg.Metadata = map[string]any{
		MetaOrigin:   OriginScan,
		MetaDeviceID: "cam-1",
		MetaSeq:      uint64(7),
	}

	first, err := m.CreateTask(ctx, msg, nil)
	require.NoError(t, err)
	second, err := m.CreateTask(ctx, msg, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// A different seq creates a fresh task.
	msg.Metadata[MetaSeq] = uint64(8)
	third, err := m.CreateTask(ctx, msg, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestPushConfigCRUD(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTask(ctx, userMessage("go"), nil)
	require.NoError(t, err)

	cfg, err := m.SetPushConfig(ctx, created.ID, a2a.PushNotificationConfig{
		URL: "https://callback.example/hook",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.ID)

	got, err := m.GetPushConfig(ctx, created.ID, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://callback.example/hook", got.URL)

	list, err := m.ListPushConfigs(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, m.DeletePushConfig(ctx, created.ID, cfg.ID))
	list, err = m.ListPushConfigs(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLoadRestoresTasks(t *testing.T) {
	repo := repository.NewMemory()
	m := NewManager(repo)

	created, err := m.CreateTask(context.Background(), userMessage("persist me"), nil)
	require.NoError(t, err)
	m.Close()

	reloaded := NewManager(repo)
	require.NoError(t, reloaded.Load(context.Background()))
	defer reloaded.Close()

	got, err := reloaded.Get(context.Background(), created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "persist me", got.History[0].TextOf())
}
