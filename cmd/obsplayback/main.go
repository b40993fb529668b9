// Command obsplayback replays one or more recorded observation logs
// against a running Whisker server, each log file driving an
// independent sensor client connection. It mirrors the source's
// observation_playback tool: clients recorded from the same capture
// session share a single realtime offset so their relative timing is
// preserved during playback.
package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	goutils "go.viam.com/utils"

	wlog "github.com/boscosiu/Whisker/internal/log"
	"github.com/boscosiu/Whisker/internal/msglog"
	"github.com/boscosiu/Whisker/internal/transport"
	"github.com/boscosiu/Whisker/internal/transport/broker"
	"github.com/boscosiu/Whisker/internal/wskproto"
)

type arguments struct {
	Addr        string `flag:"addr,usage=Whisker server address to connect to"`
	VehicleID   string `flag:"vehicle,usage=Vehicle ID to play back the logs as"`
	ID          string `flag:"id,usage=Client ID suffix used to identify these connections to the server"`
	Logs        string `flag:"logs,usage=Comma-separated list of observation log files to play back"`
	StartOffset int64  `flag:"startoffset,usage=Milliseconds from log start at which to start playback"`
	StopOffset  int64  `flag:"stopoffset,usage=Milliseconds from log start at which to stop playback (0 = no limit)"`
	Realtime    bool   `flag:"realtime,usage=Play back observations at the rate at which they were recorded"`
}

func main() {
	goutils.ContextualMain(mainWithArgs, wlog.New())
}

func mainWithArgs(ctx context.Context, args []string, logger *zap.SugaredLogger) error {
	parsed := arguments{ID: "playback0", Logs: "input.obslog", Realtime: true}
	if err := goutils.ParseFlags(args, &parsed); err != nil {
		return err
	}
	if parsed.Addr == "" {
		return errors.New("-addr is required")
	}
	if parsed.VehicleID == "" {
		return errors.New("-vehicle is required")
	}
	if parsed.Realtime {
		logger.Info("realtime playback enabled, observations may be dropped if the log outpaces the server")
	}

	fs := afero.NewOsFs()
	offsets := &offsetSync{}

	var players []*player
	for i, logFile := range strings.Split(parsed.Logs, ",") {
		sensorName := fmt.Sprintf("sensor%d", i)
		logger.Infow("opening observation log", "sensor", sensorName, "file", logFile)

		p, err := newPlayer(fs, logFile, sensorName, parsed.StartOffset, parsed.StopOffset, parsed.Realtime, offsets, logger)
		if err != nil {
			return errors.Wrapf(err, "loading observation log %q", logFile)
		}
		players = append(players, p)
		offsets.trackEarliest(time.UnixMilli(p.playbackStartMillis))
	}

	var conns []transport.ServerConnection
	defer func() {
		for _, c := range conns {
			c.Stop()
		}
		for _, p := range players {
			p.reader.Close()
		}
	}()

	for _, p := range players {
		p := p
		p.init.ClientID = parsed.VehicleID + parsed.ID + p.sensorName
		p.init.VehicleID = parsed.VehicleID // override with the vehicle ID given on this playback run

		handlers := transport.NewHandlerSet()
		transport.RegisterHandler(handlers, wskproto.TypeRequestObservation, func(_ wskproto.RequestObservation, _ string) {
			p.sendNext()
		})

		conn, err := broker.NewClient(parsed.Addr, p.init.ClientID, handlers, func() {}, logger)
		if err != nil {
			return errors.Wrapf(err, "connecting sensor client %q", p.init.ClientID)
		}
		conns = append(conns, conn)
		p.conn = conn
	}

	for _, p := range players {
		if err := p.conn.Send(wskproto.TypeSensorInit, p.init); err != nil {
			logger.Warnw("failed to announce sensor", "sensor", p.sensorName, "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("received exit signal")
	return nil
}

// offsetSync hands out one shared realtime clock offset to every
// player in this process, so logs captured together stay in relative
// sync during playback instead of each starting from "now".
type offsetSync struct {
	mu               sync.Mutex
	resolved         bool
	offset           time.Duration
	earliestLogStart time.Time
}

func (o *offsetSync) trackEarliest(t time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.earliestLogStart.IsZero() || t.Before(o.earliestLogStart) {
		o.earliestLogStart = t
	}
}

func (o *offsetSync) resolve() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.resolved {
		o.offset = time.Since(o.earliestLogStart) + time.Second
		o.resolved = true
	}
	return o.offset
}

// player replays one observation log's init message and observation
// stream against a single sensor client connection, applying the
// recorded start/stop offsets and, if realtime, the original capture
// rate.
type player struct {
	sensorName      string
	stopOffsetMillis int64
	realtime        bool
	offsets         *offsetSync
	logger          *zap.SugaredLogger

	reader *msglog.Reader
	init   wskproto.SensorInit
	conn   transport.ServerConnection

	logStartMillis      int64
	playbackStartMillis int64
	timeOffset          time.Duration

	cached   wskproto.Observation
	valid    bool
	numRead  int
	numDropped int
}

func newPlayer(fs afero.Fs, logFile, sensorName string, startOffsetMillis, stopOffsetMillis int64, realtime bool, offsets *offsetSync, logger *zap.SugaredLogger) (*player, error) {
	reader, err := msglog.OpenReader(fs, logFile)
	if err != nil {
		return nil, err
	}

	var init wskproto.SensorInit
	if !reader.Read(&init) {
		reader.Close()
		return nil, errors.New("error reading sensor init message from observation log")
	}
	if init.Kind == wskproto.SensorLidar {
		logger.Infow("lidar sensor", "sensor", sensorName, "rate_hz", init.RateHz, "angular_res_deg", init.LidarAngularResDeg)
	}

	p := &player{
		sensorName:       sensorName,
		stopOffsetMillis: stopOffsetMillis,
		realtime:         realtime,
		offsets:          offsets,
		logger:           logger,
		reader:           reader,
		init:             init,
	}

	if !p.readNext() {
		reader.Close()
		return nil, errors.New("no observation messages in log")
	}
	p.logStartMillis = p.cached.TimestampMillis

	if startOffsetMillis > 0 {
		if err := p.advanceToOffset(startOffsetMillis); err != nil {
			reader.Close()
			return nil, err
		}
	}
	p.playbackStartMillis = p.cached.TimestampMillis

	return p, nil
}

func (p *player) readNext() bool {
	var obs wskproto.Observation
	p.valid = p.reader.Read(&obs)
	if p.valid {
		p.cached = obs
	}
	return p.valid
}

func (p *player) advanceToOffset(offsetMillis int64) error {
	p.logger.Infow("advancing playback start", "sensor", p.sensorName, "offset_ms", offsetMillis)
	numSkipped := 0
	for p.cached.TimestampMillis < p.logStartMillis+offsetMillis {
		if !p.readNext() {
			return errors.New("start offset advances past the end of log")
		}
		numSkipped++
	}
	p.logger.Infow("advanced past messages", "sensor", p.sensorName, "skipped", numSkipped)
	return nil
}

// sendNext sends the next due observation, retrying past any that
// realtime playback can no longer deliver on time, until one is sent
// or the log is exhausted.
func (p *player) sendNext() {
	for {
		if !p.valid || (p.stopOffsetMillis > 0 && p.stopOffsetMillis <= p.cached.TimestampMillis-p.logStartMillis) {
			p.logger.Infow("finished playback", "sensor", p.sensorName, "played", p.numRead, "dropped", p.numDropped)
			return
		}

		p.numRead++
		dropped := false

		if p.realtime {
			if p.numRead == 1 {
				p.timeOffset = p.offsets.resolve()
			}
			respondAt := time.UnixMilli(p.cached.TimestampMillis).Add(p.timeOffset)
			if wait := time.Until(respondAt); wait > 0 {
				time.Sleep(wait)
			} else {
				dropped = true
				p.numDropped++
			}
		}

		if !dropped {
			if err := p.conn.Send(wskproto.TypeObservation, p.cached); err != nil {
				p.logger.Warnw("failed to send observation", "sensor", p.sensorName, "error", err)
			}
		}

		p.logger.Debugw("playback progress", "sensor", p.sensorName, "percent_of_log", p.reader.ReadPercent()*100, "ms_from_start", p.cached.TimestampMillis-p.logStartMillis)

		p.readNext()
		if !dropped {
			return
		}
	}
}
