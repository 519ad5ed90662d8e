package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/domain"
	"tradeflow/internal/queue"
	"tradeflow/internal/results"
)

func TestScheduleValidation(t *testing.T) {
	cases := []struct {
		name string
		sch  Schedule
		ok   bool
	}{
		{"valid", Schedule{Name: "balances", Cron: "*/5 * * * *", TaskType: domain.TypeBalanceFetch}, true},
		{"descriptor", Schedule{Name: "scan", Cron: "@every 30s", TaskType: domain.TypeArbitrageScan}, true},
		{"no name", Schedule{Cron: "* * * * *", TaskType: domain.TypeQuote}, false},
		{"bad cron", Schedule{Name: "x", Cron: "every minute", TaskType: domain.TypeQuote}, false},
		{"six fields", Schedule{Name: "x", Cron: "0 * * * * *", TaskType: domain.TypeQuote}, false},
		{"unknown type", Schedule{Name: "x", Cron: "* * * * *", TaskType: "moon"}, false},
		{"bad priority", Schedule{Name: "x", Cron: "* * * * *", TaskType: domain.TypeQuote, Priority: 8}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.sch.Validate()
			if c.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestTriggerSubmitsTask(t *testing.T) {
	store := results.NewStore()
	sched := queue.New(store, queue.Options{Capacity: 10})
	svc := NewService(sched)

	require.NoError(t, svc.Add(Schedule{
		Name:     "sentiment-sweep",
		Cron:     "0 * * * *",
		TaskType: domain.TypeSentiment,
		Priority: domain.PriorityHigh,
		Payload:  domain.Payload{"source": "x"},
	}))
	assert.Error(t, svc.Add(Schedule{Name: "sentiment-sweep", Cron: "0 * * * *", TaskType: domain.TypeSentiment}))

	id, err := svc.Trigger("sentiment-sweep")
	require.NoError(t, err)
	tk, ok := sched.Next(context.Background(), 0)
	require.True(t, ok)
	assert.Equal(t, id, tk.ID)
	assert.Equal(t, domain.PriorityHigh, tk.Priority)
	assert.Equal(t, "sentiment-sweep", tk.Metadata["schedule"])
	assert.Equal(t, "x", tk.Payload["source"])

	_, err = svc.Trigger("missing")
	assert.Error(t, err)
}

func TestAdmissionRejectionIsCounted(t *testing.T) {
	sched := queue.New(results.NewStore(), queue.Options{Capacity: 1})
	svc := NewService(sched)
	require.NoError(t, svc.Add(Schedule{Name: "synth", Cron: "@hourly", TaskType: domain.TypeDataSynthesis}))

	_, err := svc.Trigger("synth")
	require.NoError(t, err)
	_, err = svc.Trigger("synth")
	assert.True(t, queue.IsAdmission(err))

	fired, rejected := svc.Counts()
	assert.Equal(t, int64(2), fired)
	assert.Equal(t, int64(1), rejected)
}

func TestEntriesAndRemove(t *testing.T) {
	svc := NewService(queue.New(results.NewStore(), queue.Options{}))
	require.NoError(t, svc.Add(Schedule{Name: "b", Cron: "*/10 * * * *", TaskType: domain.TypeQuote}))
	require.NoError(t, svc.Add(Schedule{Name: "a", Cron: "@daily", TaskType: domain.TypeQuote}))

	svc.Start()
	defer svc.Stop(context.Background())

	entries := svc.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Name)
	assert.True(t, entries[1].NextRun.After(time.Now()))

	assert.True(t, svc.Remove("a"))
	assert.False(t, svc.Remove("a"))
	assert.Len(t, svc.Entries(), 1)
}

func TestNextRunTime(t *testing.T) {
	from := time.Date(2026, 3, 1, 12, 7, 0, 0, time.UTC)
	next, err := NextRunTime("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC), next)

	_, err = NextRunTime("nope", from)
	assert.Error(t, err)
}
