package gontpc_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mengzhuo/gontpc"
	"github.com/mengzhuo/gontpc/internal/ntptest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	c, err := gontpc.NewClient(nil, gontpc.WithLogger(logger), gontpc.WithRegisterer(nil))
	require.NoError(t, err)
	require.NotNil(t, c)

	for _, cfg := range []*gontpc.Config{
		{TOS: 256},
		{TTL: -1},
		{Timeout: -time.Second},
		{Deny: []string{"not a cidr"}},
		{Deny: []string{"10.0.0.0/8", "10.1.0.0/16"}},
		{LocalAddr: "127.0.0.1:x"},
	} {
		_, err = gontpc.NewClient(cfg, gontpc.WithLogger(logger), gontpc.WithRegisterer(nil))
		require.Error(t, err, "%+v", cfg)
	}
}

func TestQueryFunc(t *testing.T) {
	srv := ntptest.NewServer(t, clockwork.NewFakeClockAt(time.Unix(1752732000, 0)))
	c := newClient(t, nil)

	type result struct {
		resp *gontpc.Response
		err  error
	}
	ch := make(chan result, 2)
	tx := c.QueryFunc(context.Background(), srv.Target(), func(resp *gontpc.Response, err error) {
		ch <- result{resp, err}
	})

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		require.True(t, r.resp.Time.Equal(time.Unix(1752732000, 0)), r.resp.Time)
	case <-time.After(5 * time.Second):
		t.Fatal("callback not called")
	}
	require.Equal(t, gontpc.StateCompleted, tx.State())

	// the callback fires once
	tx.Cancel()
	select {
	case r := <-ch:
		t.Fatalf("second callback: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestQueryFuncCancel(t *testing.T) {
	srv := ntptest.NewServer(t, nil)
	srv.SetReply(ntptest.Silent)
	c := newClient(t, nil)

	type result struct {
		resp *gontpc.Response
		err  error
	}
	ch := make(chan result, 1)
	tx := c.QueryFunc(context.Background(), srv.Target(), func(resp *gontpc.Response, err error) {
		ch <- result{resp, err}
	})
	waitState(t, tx, gontpc.StateAwaitingResponse)
	tx.Cancel()

	select {
	case r := <-ch:
		require.Nil(t, r.resp)
		require.ErrorIs(t, r.err, gontpc.ErrCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("callback not called")
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
			return float64(m.GetHistogram().GetSampleCount())
		}
	}
	return 0
}

func TestClientMetrics(t *testing.T) {
	srv := ntptest.NewServer(t, nil)
	srv.SetStratum(3)
	reg := prometheus.NewRegistry()
	c, err := gontpc.NewClient(nil, gontpc.WithLogger(logger), gontpc.WithRegisterer(reg))
	require.NoError(t, err)

	_, err = c.Query(context.Background(), srv.Target())
	require.NoError(t, err)
	_, err = c.Query(context.Background(), "")
	require.ErrorIs(t, err, gontpc.ErrNoURL)

	require.Equal(t, 1.0, counterValue(t, reg, "ntp_client_transactions_total", map[string]string{"state": "completed"}))
	require.Equal(t, 1.0, counterValue(t, reg, "ntp_client_transactions_total", map[string]string{"state": "failed"}))
	require.Equal(t, 2.0, counterValue(t, reg, "ntp_client_transaction_duration_seconds", nil))
	require.Equal(t, 3.0, counterValue(t, reg, "ntp_client_server_stratum", map[string]string{"server": srv.Addr().String()}))
}

func TestClientSocketOptions(t *testing.T) {
	srv := ntptest.NewServer(t, clockwork.NewFakeClockAt(time.Unix(1752732000, 0)))
	c := newClient(t, &gontpc.Config{
		Timeout:   2 * time.Second,
		LocalAddr: "127.0.0.1:0",
		TOS:       184,
		TTL:       64,
	})

	resp, err := c.QueryResponse(context.Background(), srv.Target())
	require.NoError(t, err)
	require.True(t, resp.Time.Equal(time.Unix(1752732000, 0)), resp.Time)
}
