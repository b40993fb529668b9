package main

import (
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boscosiu/Whisker/internal/msglog"
	"github.com/boscosiu/Whisker/internal/wskproto"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []wskproto.Observation
	stopped bool
}

func (f *fakeConn) Send(_ string, msg interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg.(wskproto.Observation))
	return nil
}

func (f *fakeConn) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func writeLog(t *testing.T, fs afero.Fs, name string, init wskproto.SensorInit, observations []wskproto.Observation) {
	t.Helper()
	w, err := msglog.CreateWriter(fs, name)
	require.NoError(t, err)
	w.Write(init)
	for _, obs := range observations {
		w.Write(obs)
	}
	require.NoError(t, w.Close())
}

func TestNewPlayerReadsInitAndFirstObservation(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLog(t, fs, "a.obslog", wskproto.SensorInit{Kind: wskproto.SensorIMU}, []wskproto.Observation{
		{TimestampMillis: 1000},
		{TimestampMillis: 1100},
	})

	p, err := newPlayer(fs, "a.obslog", "sensor0", 0, 0, false, &offsetSync{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer p.reader.Close()

	require.Equal(t, int64(1000), p.logStartMillis)
	require.Equal(t, int64(1000), p.playbackStartMillis)
	require.True(t, p.valid)
	require.Equal(t, int64(1000), p.cached.TimestampMillis)
}

func TestNewPlayerAppliesStartOffset(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLog(t, fs, "a.obslog", wskproto.SensorInit{}, []wskproto.Observation{
		{TimestampMillis: 1000},
		{TimestampMillis: 1100},
		{TimestampMillis: 1200},
	})

	p, err := newPlayer(fs, "a.obslog", "sensor0", 150, 0, false, &offsetSync{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer p.reader.Close()

	require.Equal(t, int64(1000), p.logStartMillis)
	require.Equal(t, int64(1200), p.playbackStartMillis)
}

func TestNewPlayerRejectsEmptyLog(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLog(t, fs, "a.obslog", wskproto.SensorInit{}, nil)

	_, err := newPlayer(fs, "a.obslog", "sensor0", 0, 0, false, &offsetSync{}, zap.NewNop().Sugar())
	require.Error(t, err)
}

func TestNewPlayerRejectsStartOffsetPastEndOfLog(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLog(t, fs, "a.obslog", wskproto.SensorInit{}, []wskproto.Observation{{TimestampMillis: 1000}})

	_, err := newPlayer(fs, "a.obslog", "sensor0", 10000, 0, false, &offsetSync{}, zap.NewNop().Sugar())
	require.Error(t, err)
}

func TestSendNextNonRealtimeSendsEveryObservationInOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLog(t, fs, "a.obslog", wskproto.SensorInit{}, []wskproto.Observation{
		{TimestampMillis: 1000, SensorID: "a"},
		{TimestampMillis: 1100, SensorID: "b"},
		{TimestampMillis: 1200, SensorID: "c"},
	})

	p, err := newPlayer(fs, "a.obslog", "sensor0", 0, 0, false, &offsetSync{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer p.reader.Close()

	conn := &fakeConn{}
	p.conn = conn

	p.sendNext()
	p.sendNext()
	p.sendNext()
	p.sendNext() // log exhausted, must not send or panic

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Equal(t, []wskproto.Observation{
		{TimestampMillis: 1000, SensorID: "a"},
		{TimestampMillis: 1100, SensorID: "b"},
		{TimestampMillis: 1200, SensorID: "c"},
	}, conn.sent)
}

func TestSendNextHonorsStopOffset(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLog(t, fs, "a.obslog", wskproto.SensorInit{}, []wskproto.Observation{
		{TimestampMillis: 1000},
		{TimestampMillis: 1100},
		{TimestampMillis: 1200},
	})

	p, err := newPlayer(fs, "a.obslog", "sensor0", 0, 50, false, &offsetSync{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer p.reader.Close()

	conn := &fakeConn{}
	p.conn = conn

	p.sendNext()
	p.sendNext()
	p.sendNext()

	require.Equal(t, 1, conn.sentCount())
}

func TestSendNextRealtimeWaitsUntilRespondTime(t *testing.T) {
	fs := afero.NewMemMapFs()
	start := time.Now().Add(50 * time.Millisecond).UnixMilli()
	writeLog(t, fs, "a.obslog", wskproto.SensorInit{}, []wskproto.Observation{
		{TimestampMillis: start},
	})

	offsets := &offsetSync{}
	p, err := newPlayer(fs, "a.obslog", "sensor0", 0, 0, true, offsets, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer p.reader.Close()
	offsets.trackEarliest(time.UnixMilli(p.playbackStartMillis))

	conn := &fakeConn{}
	p.conn = conn

	// resolve() sets the offset to (now - earliest log start) + 1s, so the
	// first observation is due about one second after sendNext starts.
	before := time.Now()
	p.sendNext()
	require.GreaterOrEqual(t, time.Since(before), 900*time.Millisecond)
	require.Equal(t, 1, conn.sentCount())
}

func TestOffsetSyncResolveIsSharedAcrossCalls(t *testing.T) {
	o := &offsetSync{}
	o.trackEarliest(time.Now().Add(-10 * time.Second))

	first := o.resolve()
	second := o.resolve()
	require.Equal(t, first, second)
}
