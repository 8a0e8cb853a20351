package health_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-im/parley-go/pkg/health"
)

func TestMonitorOverwrite(t *testing.T) {
	m := health.NewMonitor()

	st := m.Status()
	assert.False(t, st.Reachable)
	assert.True(t, st.LastSuccess.IsZero())

	m.ReportSuccess()
	st = m.Status()
	assert.True(t, st.Reachable)
	assert.False(t, st.LastSuccess.IsZero())
	assert.Empty(t, st.Reason)

	m.ReportFailure("connection refused")
	st = m.Status()
	assert.False(t, st.Reachable)
	assert.Equal(t, "connection refused", st.Reason)
	assert.False(t, st.LastFailure.IsZero())

	// A success clears the failure reason but keeps the failure timestamp.
	m.ReportSuccess()
	st = m.Status()
	assert.True(t, st.Reachable)
	assert.Empty(t, st.Reason)
	assert.False(t, st.LastFailure.IsZero())
}

func TestMonitorSubscribe(t *testing.T) {
	m := health.NewMonitor()

	var got []health.Status
	unsubscribe := m.Subscribe(func(st health.Status) {
		got = append(got, st)
	})

	m.ReportFailure("timeout")
	m.ReportSuccess()
	require.Len(t, got, 2)
	assert.False(t, got[0].Reachable)
	assert.Equal(t, "timeout", got[0].Reason)
	assert.True(t, got[1].Reachable)

	unsubscribe()
	m.ReportFailure("gone")
	assert.Len(t, got, 2)
}

func TestMonitorSubscriberMayReadStatus(t *testing.T) {
	m := health.NewMonitor()

	var inner health.Status
	m.Subscribe(func(health.Status) {
		inner = m.Status()
	})

	m.ReportSuccess()
	assert.True(t, inner.Reachable)
}
