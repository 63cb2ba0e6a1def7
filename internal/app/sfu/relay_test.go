package sfu

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/metrics"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource struct {
	ch chan *rtp.Packet
}

func newChanSource() *chanSource { return &chanSource{ch: make(chan *rtp.Packet)} }

func (s *chanSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-s.ch
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

type fakeWriter struct {
	mu   sync.Mutex
	seqs []uint16
	err  error
}

func (w *fakeWriter) WriteRTP(p *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.seqs = append(w.seqs, p.SequenceNumber)
	return nil
}

func (w *fakeWriter) got() []uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint16(nil), w.seqs...)
}

// sample reads the single sample of an unlabeled collector.
func sample(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		require.Len(t, mf.GetMetric(), 1)
		m := mf.GetMetric()[0]
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue()
		}
		return m.GetGauge().GetValue()
	}
	return 0
}

func pkt(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq}, Payload: []byte{1}}
}

func TestRelayForwardsToSubscribers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rm := NewRelayManager(m)
	src := newChanSource()
	relay := rm.StartRelay(context.Background(), "p1", src)

	a, b := &fakeWriter{}, &fakeWriter{}
	require.True(t, rm.AddSubscriber("p1", "c1", a))
	require.True(t, rm.AddSubscriber("p1", "c2", b))
	assert.False(t, rm.AddSubscriber("nope", "c3", &fakeWriter{}))

	src.ch <- pkt(1)
	src.ch <- pkt(2)
	close(src.ch)
	<-relay.done

	assert.Equal(t, []uint16{1, 2}, a.got())
	assert.Equal(t, []uint16{1, 2}, b.got())
	assert.Equal(t, float64(4), sample(t, reg, "huddle_sfu_rtp_forwarded_total"))
	assert.Equal(t, 0, relay.Subscribers(), "source end marks every out track")
}

func TestRelayMutedSubscriberSkipped(t *testing.T) {
	rm := NewRelayManager(nil)
	src := newChanSource()
	relay := rm.StartRelay(context.Background(), "p1", src)

	w := &fakeWriter{}
	require.True(t, rm.AddSubscriber("p1", "c1", w))
	require.True(t, rm.SetSubscriberMuted("p1", "c1", true))
	src.ch <- pkt(1)
	src.ch <- pkt(2)
	require.True(t, rm.SetSubscriberMuted("p1", "c1", false))
	src.ch <- pkt(3)
	close(src.ch)
	<-relay.done

	assert.NotContains(t, w.got(), uint16(1))
	assert.Contains(t, w.got(), uint16(3))
	assert.False(t, rm.SetSubscriberMuted("p1", "missing", true))
}

func TestRelayDropsFailingWriter(t *testing.T) {
	rm := NewRelayManager(nil)
	src := newChanSource()
	relay := rm.StartRelay(context.Background(), "p1", src)

	bad := &fakeWriter{err: errors.New("closed pipe")}
	good := &fakeWriter{}
	rm.AddSubscriber("p1", "bad", bad)
	rm.AddSubscriber("p1", "good", good)

	src.ch <- pkt(1)
	src.ch <- pkt(2)

	_, ok := relay.outTrack("bad")
	assert.False(t, ok)
	assert.Equal(t, 1, relay.Subscribers())
	close(src.ch)
	<-relay.done
	assert.Equal(t, []uint16{1, 2}, good.got())
}

func TestRelayDeletedSubscriberRemoved(t *testing.T) {
	rm := NewRelayManager(nil)
	src := newChanSource()
	relay := rm.StartRelay(context.Background(), "p1", src)

	w := &fakeWriter{}
	rm.AddSubscriber("p1", "c1", w)
	rm.MarkSubscriberDelete("p1", "c1")
	src.ch <- pkt(1)
	src.ch <- pkt(2)

	assert.Empty(t, w.got())
	_, ok := relay.outTrack("c1")
	assert.False(t, ok)
	close(src.ch)
	<-relay.done
}

func TestRelayManagerStopAndReplace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rm := NewRelayManager(m)

	first := newChanSource()
	old := rm.StartRelay(context.Background(), "p1", first)
	w := &fakeWriter{}
	rm.AddSubscriber("p1", "c1", w)

	second := newChanSource()
	repl := rm.StartRelay(context.Background(), "p1", second)
	assert.Equal(t, float64(1), sample(t, reg, "huddle_sfu_relays"))
	assert.Equal(t, 0, old.Subscribers())
	got, ok := rm.Relay("p1")
	require.True(t, ok)
	assert.Same(t, repl, got)

	// The replaced loop exits on its next read.
	first.ch <- pkt(1)
	select {
	case <-old.done:
	case <-time.After(time.Second):
		t.Fatal("replaced relay still running")
	}

	rm.StopRelay("p1")
	assert.False(t, rm.HasRelay("p1"))
	assert.Equal(t, float64(0), sample(t, reg, "huddle_sfu_relays"))
	rm.StopRelay("p1")
	assert.Equal(t, float64(0), sample(t, reg, "huddle_sfu_relays"))
	close(second.ch)
	<-repl.done
}
