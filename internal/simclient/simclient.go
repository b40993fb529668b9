// Package simclient is a reference sensor-client harness: it owns the
// routing-broker ServerConnection lifecycle a real sensor driver main
// program (an I2C IMU, a serial lidar) would otherwise duplicate. It
// re-announces the sensor's init message on every reconnect, the same
// pattern the original IMU/lidar client mains use around their own
// ZmqConnection.
package simclient

import (
	"sync"

	"go.uber.org/zap"

	"github.com/boscosiu/Whisker/internal/transport"
	"github.com/boscosiu/Whisker/internal/transport/broker"
	"github.com/boscosiu/Whisker/internal/wskproto"
)

// ObserveFunc produces the sensor's latest buffered observation on
// demand, pulled from whatever overwriting buffer the real driver
// thread fills. It must not block waiting for a fresh sample; it
// should return the most recent one available, per the overwriting
// buffer's freshest-wins contract.
type ObserveFunc func() wskproto.Observation

// Client connects one sensor to the server over a transport.
// ServerConnection and keeps it registered across reconnects.
type Client struct {
	conn transport.ServerConnection

	mu   sync.Mutex
	init wskproto.SensorInit
}

// dial is overridden in tests to substitute a fake ServerConnection
// for the real routing-broker dialer.
var dial = func(addr, clientID string, handlers *transport.HandlerSet, onDisc transport.DisconnectHandler, logger *zap.SugaredLogger) (transport.ServerConnection, error) {
	return broker.NewClient(addr, clientID, handlers, onDisc, logger)
}

// Connect dials addr as clientID over the routing broker transport,
// announces init immediately, and arranges to re-announce it on every
// future reconnect. Incoming request_observation messages are answered
// with observe's current result.
func Connect(addr, clientID string, init wskproto.SensorInit, observe ObserveFunc, logger *zap.SugaredLogger) (*Client, error) {
	c := &Client{init: init}

	handlers := transport.NewHandlerSet()
	transport.RegisterHandler(handlers, wskproto.TypeRequestObservation, func(_ wskproto.RequestObservation, _ string) {
		if err := c.conn.Send(wskproto.TypeObservation, observe()); err != nil {
			logger.Warnw("failed to send observation", "client_id", clientID, "error", err)
		}
	})

	conn, err := dial(addr, clientID, handlers, func() {
		c.mu.Lock()
		current := c.init
		c.mu.Unlock()
		if err := c.conn.Send(wskproto.TypeSensorInit, current); err != nil {
			logger.Warnw("failed to re-announce sensor after reconnect", "client_id", clientID, "error", err)
		}
	}, logger)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	if err := c.conn.Send(wskproto.TypeSensorInit, init); err != nil {
		logger.Warnw("failed to announce sensor", "client_id", clientID, "error", err)
	}

	return c, nil
}

// UpdateInit replaces the init message re-announced on reconnect, for
// drivers whose keep-out radius or extrinsic can change at runtime.
func (c *Client) UpdateInit(init wskproto.SensorInit) {
	c.mu.Lock()
	c.init = init
	c.mu.Unlock()
}

// Stop disconnects from the server.
func (c *Client) Stop() {
	c.conn.Stop()
}
