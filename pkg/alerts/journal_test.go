package alerts

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/vigil/pkg/severity"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_SendAndQuery(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	require.NoError(t, j.Ping(ctx))

	recs := []severity.Record{
		testRecord("a", 0, false, severity.Low),
		testRecord("a", 1, true, severity.Medium),
		testRecord("a", 2, true, severity.Critical),
		testRecord("b", 1, true, severity.High),
	}
	recs[2].Labels = map[string]string{"attack_type": "ddos"}
	recs[2].Degraded = true
	// Insert out of order; queries sort by timestamp.
	for _, i := range []int{2, 0, 3, 1} {
		require.NoError(t, j.Send(ctx, recs[i]))
	}
	require.NoError(t, j.Send(ctx, recs[1]), "duplicate IDs are ignored")

	all, err := j.Records(ctx, Query{Stream: "a"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, rec := range all {
		assert.Equal(t, recs[i].ID, rec.ID)
		assert.True(t, recs[i].Timestamp.Equal(rec.Timestamp))
		assert.Equal(t, recs[i].Severity, rec.Severity)
		assert.Equal(t, recs[i].Label, rec.Label)
		assert.InDelta(t, recs[i].Score, rec.Score, 1e-12)
		assert.Equal(t, recs[i].Metrics, rec.Metrics)
	}
	assert.Equal(t, "ddos", all[2].Labels["attack_type"])
	assert.True(t, all[2].Degraded)
	assert.Nil(t, all[0].Labels)

	anomalies, err := j.Records(ctx, Query{AnomalousOnly: true, MinSeverity: severity.High})
	require.NoError(t, err)
	require.Len(t, anomalies, 2)
	assert.Equal(t, recs[3].ID, anomalies[0].ID)
	assert.Equal(t, recs[2].ID, anomalies[1].ID)

	latest, err := j.Records(ctx, Query{Stream: "a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, recs[1].ID, latest[0].ID)
	assert.Equal(t, recs[2].ID, latest[1].ID)

	window, err := j.Records(ctx, Query{From: recs[1].Timestamp, To: recs[1].Timestamp})
	require.NoError(t, err)
	assert.Len(t, window, 2)

	counts, err := j.CountBySeverity(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, map[severity.Tier]int{severity.Medium: 1, severity.Critical: 1}, counts)
}

func TestJournal_ReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := OpenJournal(path)
	require.NoError(t, err)
	rec := testRecord("a", 5, true, severity.High)
	require.NoError(t, j.Send(ctx, rec))
	require.NoError(t, j.Close())

	j, err = OpenJournal(path)
	require.NoError(t, err)
	defer j.Close()

	got, err := j.Records(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.ID, got[0].ID)
}

func TestJournal_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	const writers, perWriter = 8, 200
	errs := make(chan error, writers*perWriter)
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				if err := j.Send(ctx, testRecord("w", w*perWriter+i, i%2 == 0, severity.Medium)); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	got, err := j.Records(ctx, Query{Stream: "w"})
	require.NoError(t, err)
	assert.Len(t, got, writers*perWriter)
}
