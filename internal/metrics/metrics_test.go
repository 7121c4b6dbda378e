package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectorRecordsObservations(t *testing.T) {
	c := NewCollector()

	c.IncRunOutcome(OutcomeSuccess)
	c.ObserveRunDuration(1.5)
	c.ObserveHookDuration("pre-rebase", 0.2)
	c.SetCarriedCommits(3)
	c.IncProviderRetry("github")

	families, err := c.registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestPushSkippedWhenNoURLConfigured(t *testing.T) {
	c := NewCollector()
	require.NoError(t, c.Push("", "rebasebot", "test"))
}

func TestPushSendsToGateway(t *testing.T) {
	received := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCollector()
	c.IncRunOutcome(OutcomeNoop)

	require.NoError(t, c.Push(srv.URL, "rebasebot", "test-instance"))
	require.True(t, received)
}
