// Command server runs the Whisker coordination server: it loads a JSON
// configuration file, wires the Server Task Layer to one of the two
// Message Transport backends, and serves until an exit signal arrives,
// in the same shape as the original program's whisker::Init::Context.
package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	goutils "go.viam.com/utils"

	"github.com/boscosiu/Whisker/internal/config"
	wlog "github.com/boscosiu/Whisker/internal/log"
	"github.com/boscosiu/Whisker/internal/registry"
	"github.com/boscosiu/Whisker/internal/slam"
	"github.com/boscosiu/Whisker/internal/slam/native"
	"github.com/boscosiu/Whisker/internal/transport"
	"github.com/boscosiu/Whisker/internal/transport/broker"
	"github.com/boscosiu/Whisker/internal/transport/wsock"
	"github.com/boscosiu/Whisker/internal/wskproto"
)

type arguments struct {
	Config string `flag:"config,usage=Whisker JSON configuration file"`
}

func main() {
	goutils.ContextualMain(mainWithArgs, wlog.New())
}

func mainWithArgs(ctx context.Context, args []string, logger *zap.SugaredLogger) error {
	parsed := arguments{Config: "whisker.json"}
	if err := goutils.ParseFlags(args, &parsed); err != nil {
		return err
	}
	logger.Infow("starting whisker server", "config_file", parsed.Config)

	cfg, err := config.Load(parsed.Config)
	if err != nil {
		return err
	}
	_, mapDataPollSec := config.GetOptionalParameters(cfg, logger)

	fs := afero.NewOsFs()

	// holder breaks the construction cycle between the registry (which
	// needs a Broadcaster to push state) and the transport connection
	// (which needs the registry's handlers to exist first).
	holder := &connHolder{}

	newEngine := func(mapID string, useOverlappingTrimmer bool) slam.Engine {
		return newNativeEngine(cfg.LuaConfigPath, mapID, useOverlappingTrimmer, logger)
	}

	reg := registry.New(logger, fs, cfg.ResourceDir, newEngine, holder)
	defer func() {
		if err := reg.SaveAllMaps(nowMillis()); err != nil {
			logger.Warnw("failed to save one or more maps during shutdown", "error", err)
		}
		reg.Close()
	}()

	handlers := transport.NewHandlerSet()
	registerHandlers(handlers, reg, holder, logger)

	conn, err := connectTransport(cfg, handlers, onConnectionState(reg, logger), logger)
	if err != nil {
		return err
	}
	holder.set(conn)
	defer conn.Stop()

	pollMapData(ctx, reg, holder, mapDataPollSec, logger)

	<-ctx.Done()
	logger.Info("received exit signal")
	return nil
}

func connectTransport(cfg *config.Config, handlers *transport.HandlerSet, onState transport.ConnectionStateHandler, logger *zap.SugaredLogger) (transport.ClientConnection, error) {
	switch cfg.Transport {
	case config.TransportBroker:
		return broker.NewServer(cfg.ListenAddr, handlers, onState, logger)
	case config.TransportWebsocket:
		return wsock.NewServer(cfg.ListenAddr, cfg.ResourceDir, handlers, onState, logger)
	default:
		return nil, errors.Errorf("unknown transport kind %q", cfg.Transport)
	}
}

// connHolder defers the registry's broadcaster to after the transport
// connection exists, and implements registry.Broadcaster by forwarding
// to it once set.
type connHolder struct {
	conn transport.ClientConnection
}

func (h *connHolder) set(conn transport.ClientConnection) { h.conn = conn }

func (h *connHolder) Send(typeName string, msg interface{}, recipientID string) error {
	if h.conn == nil {
		return nil
	}
	return h.conn.Send(typeName, msg, recipientID)
}

func (h *connHolder) Broadcast(typeName string, msg interface{}) error {
	if h.conn == nil {
		return nil
	}
	return h.conn.Broadcast(typeName, msg)
}

// onConnectionState sends the current server state to a console the
// moment it connects, matching the source's pattern of pushing state
// eagerly rather than waiting for the console to ask.
func onConnectionState(reg *registry.Registry, logger *zap.SugaredLogger) transport.ConnectionStateHandler {
	return func(peerID string, connected bool) {
		if !connected {
			return
		}
		logger.Debugw("peer connected", "peer_id", peerID)
		reg.SendStateTo(peerID)
	}
}

// registerHandlers wires every inbound message type to its registry
// operation. Sensor and capability clients are identified by the
// client_id carried in their own init message, not by the
// transport-level peer id of the message that carried it.
func registerHandlers(h *transport.HandlerSet, reg *registry.Registry, broadcaster registry.Broadcaster, logger *zap.SugaredLogger) {
	transport.RegisterHandler(h, wskproto.TypeSensorInit, func(init wskproto.SensorInit, _ string) {
		err := reg.AddSensorClient(init.ClientID, init, func(force bool) {
			if err := broadcaster.Send(wskproto.TypeRequestObservation, wskproto.RequestObservation{Force: force}, init.ClientID); err != nil {
				logger.Warnw("failed to request observation", "sensor_id", init.ClientID, "error", err)
			}
		})
		if err != nil {
			logger.Warnw("rejected sensor init", "sensor_id", init.ClientID, "error", err)
		}
	})

	transport.RegisterHandler(h, wskproto.TypeCapabilityInit, func(init wskproto.CapabilityInit, _ string) {
		err := reg.AddCapabilityClient(init.ClientID, init, func(inv wskproto.InvokeCapability) {
			if err := broadcaster.Send(wskproto.TypeInvokeCapability, inv, init.ClientID); err != nil {
				logger.Warnw("failed to deliver capability invocation", "client_id", init.ClientID, "error", err)
			}
		})
		if err != nil {
			logger.Warnw("rejected capability init", "client_id", init.ClientID, "error", err)
		}
	})

	transport.RegisterHandler(h, wskproto.TypeObservation, func(obs wskproto.Observation, _ string) {
		reg.SubmitObservation(obs.SensorID, obs)
	})

	transport.RegisterHandler(h, wskproto.TypeInvokeCapability, func(msg wskproto.InvokeCapability, _ string) {
		reg.InvokeCapability(msg)
	})

	transport.RegisterHandler(h, wskproto.TypeAssignVehicleToMap, func(msg wskproto.AssignVehicleToMap, _ string) {
		if err := reg.AssignVehicleToMap(msg.VehicleID, msg.MapID); err != nil {
			logger.Warnw("assign_vehicle_to_map failed", "vehicle_id", msg.VehicleID, "map_id", msg.MapID, "error", err)
		}
	})

	transport.RegisterHandler(h, wskproto.TypeCreateMap, func(msg wskproto.CreateMap, _ string) {
		if err := reg.CreateMap(msg.MapID, msg.UseOverlappingTrimmer); err != nil {
			logger.Warnw("create_map failed", "map_id", msg.MapID, "error", err)
		}
	})

	transport.RegisterHandler(h, wskproto.TypeDeleteMap, func(msg wskproto.DeleteMap, _ string) {
		reg.DeleteMap(msg.MapID)
	})

	transport.RegisterHandler(h, wskproto.TypeSaveMap, func(msg wskproto.SaveMap, _ string) {
		if err := reg.SaveMap(msg.MapID, nowMillis()); err != nil {
			logger.Warnw("save_map failed", "map_id", msg.MapID, "error", err)
		}
	})

	transport.RegisterHandler(h, wskproto.TypeLoadMap, func(msg wskproto.LoadMap, _ string) {
		if err := reg.LoadMap(msg.MapID, msg.FileName, msg.Frozen, msg.UseOverlappingTrimmer); err != nil {
			logger.Warnw("load_map failed", "map_id", msg.MapID, "error", err)
		}
	})

	transport.RegisterHandler(h, wskproto.TypeDeleteVehicle, func(msg wskproto.DeleteVehicle, _ string) {
		reg.DeleteVehicle(msg.VehicleID)
	})

	transport.RegisterHandler(h, wskproto.TypeStartObservationLog, func(msg wskproto.StartObservationLog, _ string) {
		if err := reg.StartObservationLog(msg.VehicleID, nowMillis()); err != nil {
			logger.Warnw("start_observation_log failed", "vehicle_id", msg.VehicleID, "error", err)
		}
	})

	transport.RegisterHandler(h, wskproto.TypeStopObservationLog, func(msg wskproto.StopObservationLog, _ string) {
		reg.StopObservationLog(msg.VehicleID)
	})

	transport.RegisterHandler(h, wskproto.TypeRequestResourceFiles, func(_ wskproto.RequestResourceFiles, senderID string) {
		reg.ListResourceFiles(func(files wskproto.ResourceFiles) {
			if err := broadcaster.Send(wskproto.TypeResourceFiles, files, senderID); err != nil {
				logger.Warnw("failed to send resource file list", "console_id", senderID, "error", err)
			}
		})
	})

	transport.RegisterHandler(h, wskproto.TypeRequestMapData, func(msg wskproto.RequestMapData, senderID string) {
		reg.GetMapData(msg.MapID, msg.HaveVersion, func(data wskproto.MapData, ok bool) {
			if !ok {
				return
			}
			if err := broadcaster.Send(wskproto.TypeMapData, data, senderID); err != nil {
				logger.Warnw("failed to send map data", "console_id", senderID, "error", err)
			}
		})
	})

	transport.RegisterHandler(h, wskproto.TypeRequestSubmapTexture, func(msg wskproto.RequestSubmapTexture, senderID string) {
		reg.GetSubmapTexture(msg.MapID, msg.TrajectoryID, msg.Index, func(texture wskproto.SubmapTexture, ok bool) {
			if !ok {
				return
			}
			if err := broadcaster.Send(wskproto.TypeSubmapTexture, texture, senderID); err != nil {
				logger.Warnw("failed to send submap texture", "console_id", senderID, "error", err)
			}
		})
	})

	transport.RegisterHandler(h, wskproto.TypeRequestVehiclePoses, func(msg wskproto.RequestVehiclePoses, senderID string) {
		reg.GetVehiclePoses(msg.MapID, func(poses wskproto.VehiclePoses, ok bool) {
			if !ok {
				return
			}
			if err := broadcaster.Send(wskproto.TypeVehiclePoses, poses, senderID); err != nil {
				logger.Warnw("failed to send vehicle poses", "console_id", senderID, "error", err)
			}
		})
	})
}

// pollMapData periodically broadcasts vehicle poses for every live map
// so consoles see motion without polling, at the configured interval.
func pollMapData(ctx context.Context, reg *registry.Registry, broadcaster registry.Broadcaster, pollSec int, logger *zap.SugaredLogger) {
	goutils.PanicCapturingGo(func() {
		interval := time.Duration(pollSec) * time.Second
		for goutils.SelectContextOrWait(ctx, interval) {
			state := reg.GetServerState()
			for _, mapID := range state.MapIDs {
				mapID := mapID
				reg.GetVehiclePoses(mapID, func(poses wskproto.VehiclePoses, ok bool) {
					if !ok {
						return
					}
					if err := broadcaster.Broadcast(wskproto.TypeVehiclePoses, poses); err != nil {
						logger.Warnw("failed to broadcast vehicle poses", "map_id", mapID, "error", err)
					}
				})
			}
		}
	})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// newNativeEngine opens the native cartographer engine for one map. It
// requires a binary built with the cgo_cartographer tag; otherwise
// native.Open's NotAvailable error is fatal the first time a map is
// created or loaded.
func newNativeEngine(luaConfigPath, mapID string, useOverlappingTrimmer bool, logger *zap.SugaredLogger) slam.Engine {
	handle, err := native.Open(luaConfigPath, useOverlappingTrimmer)
	if err != nil {
		logger.Fatalw("failed to open native cartographer engine", "map_id", mapID, "error", err)
	}
	return native.NewEngine(handle)
}
