// Package registry implements the Server Task Layer: the
// reader/writer-lock-protected registry of Maps, Vehicles, Sensors and
// Capabilities, and the policy governing observation flow, map/vehicle
// lifecycle, capability dispatch, resource path resolution, and
// observation logging.
package registry

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/boscosiu/Whisker/internal/msglog"
	"github.com/boscosiu/Whisker/internal/slam"
	"github.com/boscosiu/Whisker/internal/taskqueue"
	"github.com/boscosiu/Whisker/internal/wskproto"
)

func ctx() context.Context { return context.Background() }

const (
	savedMapExtension        = ".pbstream"
	observationLogExtension  = ".obslog"
)

// RequestObservationFunc solicits the next observation from a sensor
// client. force re-requests even if one is already outstanding.
type RequestObservationFunc func(force bool)

// InvocationFunc delivers a capability invocation to one registered
// client.
type InvocationFunc func(wskproto.InvokeCapability)

// Broadcaster is the subset of transport.ClientConnection the registry
// needs to push server-state broadcasts and unicast responses.
type Broadcaster interface {
	Send(typeName string, msg interface{}, recipientID string) error
	Broadcast(typeName string, msg interface{}) error
}

type sensor struct {
	id        string
	init      wskproto.SensorInit
	vehicleID string
	responder RequestObservationFunc
	pending   atomic.Bool
	obsLog    *msglog.Writer
}

type vehicle struct {
	id            string
	sensorIDs     []string
	mapID         string // empty if unassigned
	keepOutRadius float64
	// capabilities[name][clientID] = invocation func
	capabilities map[string]map[string]InvocationFunc
}

type vehicleMap struct {
	id      string
	adapter *slam.Adapter
}

// Registry is the Server Task Layer. The zero value is not usable;
// construct with New.
type Registry struct {
	logger      *zap.SugaredLogger
	fs          afero.Fs
	resourceDir string
	newEngine   func(mapID string, useOverlappingTrimmer bool) slam.Engine

	lowPriority *taskqueue.Queue
	broadcaster Broadcaster

	mu       sync.RWMutex
	maps     map[string]*vehicleMap
	vehicles map[string]*vehicle
	sensors  map[string]*sensor
}

// New constructs an empty Registry. newEngine builds a fresh SLAM
// engine for each created or loaded map; broadcaster delivers
// server-state broadcasts and unicasts.
func New(logger *zap.SugaredLogger, fs afero.Fs, resourceDir string, newEngine func(mapID string, useOverlappingTrimmer bool) slam.Engine, broadcaster Broadcaster) *Registry {
	return &Registry{
		logger:      logger,
		fs:          fs,
		resourceDir: resourceDir,
		newEngine:   newEngine,
		lowPriority: taskqueue.New(64),
		broadcaster: broadcaster,
		maps:        make(map[string]*vehicleMap),
		vehicles:    make(map[string]*vehicle),
		sensors:     make(map[string]*sensor),
	}
}

// Close drains the low-priority deletion queue.
func (r *Registry) Close() {
	r.lowPriority.FinishSync()
}

// SaveAllMaps asks every live Map's SLAM Adapter to serialize its
// current state, for use during graceful server shutdown. Unlike
// SaveMap it leaves Vehicle assignments untouched and blocks until
// every save finishes, aggregating whatever errors come back.
func (r *Registry) SaveAllMaps(nowMillis int64) error {
	r.mu.RLock()
	maps := make([]*vehicleMap, 0, len(r.maps))
	for _, m := range r.maps {
		maps = append(maps, m)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make([]error, len(maps))
	for i, m := range maps {
		fileName := m.id + "-" + strconv.FormatInt(nowMillis, 10) + savedMapExtension
		path, err := r.ResolveResourcePath(fileName)
		if err != nil {
			errs[i] = errors.Wrapf(err, "map %q", m.id)
			continue
		}

		wg.Add(1)
		i, path, id := i, path, m.id
		m.adapter.SaveState(path, func(err error) {
			defer wg.Done()
			if err != nil {
				errs[i] = errors.Wrapf(err, "map %q", id)
			}
		})
	}
	wg.Wait()

	return multierr.Combine(errs...)
}

func (r *Registry) upsertVehicle(id string) *vehicle {
	v, ok := r.vehicles[id]
	if !ok {
		v = &vehicle{id: id, capabilities: make(map[string]map[string]InvocationFunc)}
		r.vehicles[id] = v
	}
	return v
}

// AddSensorClient upserts a Sensor and its Vehicle, raises the
// Vehicle's keep-out radius, and if the Vehicle already has a Map
// assignment, immediately solicits the first observation.
func (r *Registry) AddSensorClient(id string, init wskproto.SensorInit, responder RequestObservationFunc) error {
	_, span := trace.StartSpan(ctx(), "registry.AddSensorClient")
	defer span.End()

	if init.VehicleID == "" {
		return errors.New("sensor init missing vehicle_id")
	}
	if init.KeepOutRadius <= 0 {
		return errors.New("sensor init has non-positive keep_out_radius")
	}

	var solicit bool

	r.mu.Lock()
	s, exists := r.sensors[id]
	if !exists {
		s = &sensor{id: id}
		r.sensors[id] = s
	}
	s.init = init
	s.vehicleID = init.VehicleID
	s.responder = responder

	v := r.upsertVehicle(init.VehicleID)
	if !containsString(v.sensorIDs, id) {
		v.sensorIDs = append(v.sensorIDs, id)
	}
	if init.KeepOutRadius > v.keepOutRadius {
		v.keepOutRadius = init.KeepOutRadius
	}
	solicit = v.mapID != ""
	r.mu.Unlock()

	if solicit {
		r.RequestObservation(id, false)
	}

	r.broadcastState()
	return nil
}

// AddCapabilityClient upserts a Vehicle and registers the client's
// invocation func against each of its advertised capabilities.
func (r *Registry) AddCapabilityClient(id string, init wskproto.CapabilityInit, invoke InvocationFunc) error {
	if init.VehicleID == "" {
		return errors.New("capability init missing vehicle_id")
	}

	r.mu.Lock()
	v := r.upsertVehicle(init.VehicleID)
	for _, name := range init.Capabilities {
		if v.capabilities[name] == nil {
			v.capabilities[name] = make(map[string]InvocationFunc)
		}
		v.capabilities[name][id] = invoke
	}
	r.mu.Unlock()

	r.broadcastState()
	return nil
}

// RequestObservation solicits the next observation from sensorID's
// responder unless one is already pending (enforced with an
// atomic test-and-set), unless force is set.
func (r *Registry) RequestObservation(sensorID string, force bool) {
	r.mu.RLock()
	s, ok := r.sensors[sensorID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	if force {
		s.pending.Store(true)
		s.responder(true)
		return
	}

	if s.pending.CompareAndSwap(false, true) {
		s.responder(false)
	}
}

// SubmitObservation clears sensorID's pending flag, drops the
// observation if its Vehicle has no Map, otherwise hands it to the
// observation log (if active) and the Map's SLAM Adapter, then
// immediately solicits the next observation.
func (r *Registry) SubmitObservation(sensorID string, obs wskproto.Observation) {
	r.mu.RLock()
	s, ok := r.sensors[sensorID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	s.pending.Store(false)

	v, ok := r.vehicles[s.vehicleID]
	if !ok || v.mapID == "" {
		r.mu.RUnlock()
		r.RequestObservation(sensorID, false)
		return
	}

	if s.obsLog != nil {
		s.obsLog.Write(obs)
	}

	m := r.maps[v.mapID]
	init := s.init
	r.mu.RUnlock()

	if m != nil {
		m.adapter.SubmitObservation(v.id, sensorID, init, obs)
	}

	r.RequestObservation(sensorID, false)
}

// GetServerState builds the current server-state snapshot.
func (r *Registry) GetServerState() wskproto.ServerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := wskproto.ServerState{Vehicles: make(map[string]wskproto.VehicleState, len(r.vehicles))}
	for id := range r.maps {
		state.MapIDs = append(state.MapIDs, id)
	}
	for id, v := range r.vehicles {
		vs := wskproto.VehicleState{KeepOutRadius: v.keepOutRadius}
		if v.mapID != "" {
			mapID := v.mapID
			vs.AssignedMapID = &mapID
		}
		for name := range v.capabilities {
			vs.Capabilities = append(vs.Capabilities, name)
		}
		state.Vehicles[id] = vs
	}
	return state
}

func (r *Registry) broadcastState() {
	if r.broadcaster == nil {
		return
	}
	state := r.GetServerState()
	if err := r.broadcaster.Broadcast(wskproto.TypeServerState, state); err != nil {
		r.logger.Warnw("failed to broadcast server state", "error", err)
	}
}

// SendStateTo unicasts the current server state to one console, used
// when a new console connects.
func (r *Registry) SendStateTo(consoleID string) {
	if r.broadcaster == nil {
		return
	}
	if err := r.broadcaster.Send(wskproto.TypeServerState, r.GetServerState(), consoleID); err != nil {
		r.logger.Warnw("failed to send server state", "console_id", consoleID, "error", err)
	}
}

// CreateMap constructs a new, empty Map.
func (r *Registry) CreateMap(id string, useOverlappingTrimmer bool) error {
	if id == "" {
		return errors.New("map id must not be empty")
	}

	r.mu.Lock()
	if _, exists := r.maps[id]; exists {
		r.mu.Unlock()
		return errors.Errorf("map %q already exists", id)
	}
	r.maps[id] = &vehicleMap{id: id, adapter: slam.NewAdapter(r.newEngine(id, useOverlappingTrimmer))}
	r.mu.Unlock()

	r.broadcastState()
	return nil
}

// DeleteMap detaches any Vehicles assigned to id and queues the Map
// for off-thread destruction.
func (r *Registry) DeleteMap(id string) {
	r.mu.Lock()
	m, ok := r.maps[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.maps, id)
	for _, v := range r.vehicles {
		if v.mapID == id {
			v.mapID = ""
		}
	}
	r.mu.Unlock()

	r.lowPriority.AddTask(func() { m.adapter.Close() })
	r.broadcastState()
}

// SaveMap detaches all of the Map's Vehicles, then asks its SLAM
// Adapter to serialize state to a file named id-epochMs.pbstream inside
// the resource directory.
func (r *Registry) SaveMap(id string, nowMillis int64) error {
	r.mu.Lock()
	m, ok := r.maps[id]
	if !ok {
		r.mu.Unlock()
		return errors.Errorf("map %q does not exist", id)
	}
	for _, v := range r.vehicles {
		if v.mapID == id {
			v.mapID = ""
		}
	}
	r.mu.Unlock()

	fileName := id + "-" + strconv.FormatInt(nowMillis, 10) + savedMapExtension
	path, err := r.ResolveResourcePath(fileName)
	if err != nil {
		return err
	}

	m.adapter.SaveState(path, func(err error) {
		if err != nil {
			r.logger.Warnw("failed to save map", "map_id", id, "error", err)
		}
	})

	r.broadcastState()
	return nil
}

// LoadMap validates fileName, creates an empty Map, and enqueues a
// restore-from-file task. It warns and leaves an existing map of the
// same id untouched.
func (r *Registry) LoadMap(id, fileName string, frozen, useOverlappingTrimmer bool) error {
	if filepath.Ext(fileName) != savedMapExtension {
		return errors.Errorf("load_map: %q does not have extension %q", fileName, savedMapExtension)
	}

	path, err := r.ResolveResourcePath(fileName)
	if err != nil {
		return err
	}
	if exists, _ := afero.Exists(r.fs, path); !exists {
		return errors.Errorf("load_map: file %q does not exist", path)
	}

	r.mu.Lock()
	if _, exists := r.maps[id]; exists {
		r.mu.Unlock()
		r.logger.Warnw("load_map: map already exists, ignoring", "map_id", id)
		return nil
	}
	m := &vehicleMap{id: id, adapter: slam.NewAdapter(r.newEngine(id, useOverlappingTrimmer))}
	r.maps[id] = m
	r.mu.Unlock()

	m.adapter.LoadState(path, frozen, func(err error) {
		if err != nil {
			r.logger.Warnw("failed to load map", "map_id", id, "error", err)
		}
	})

	r.broadcastState()
	return nil
}

// DeleteVehicle removes the Vehicle's Sensors from the registry
// (queuing each, and its observation log if any, for off-thread
// destruction) and removes the Vehicle from its Map if assigned.
func (r *Registry) DeleteVehicle(id string) {
	r.mu.Lock()
	v, ok := r.vehicles[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.vehicles, id)

	var toDelete []*sensor
	for _, sid := range v.sensorIDs {
		if s, ok := r.sensors[sid]; ok {
			delete(r.sensors, sid)
			toDelete = append(toDelete, s)
		}
	}

	var m *vehicleMap
	if v.mapID != "" {
		m = r.maps[v.mapID]
	}
	r.mu.Unlock()

	if m != nil {
		m.adapter.RemoveVehicle(id, nil)
	}

	for _, s := range toDelete {
		s := s
		r.lowPriority.AddTask(func() {
			if s.obsLog != nil {
				s.obsLog.Close()
			}
		})
	}

	r.broadcastState()
}

// AssignVehicleToMap assigns vehicleID to mapID, registering all of its
// Sensors with the new Map and forcing a fresh observation request for
// each so the pipeline starts flowing immediately. A no-op if already
// assigned to mapID. Otherwise the Vehicle is unconditionally detached
// from whatever Map it was previously assigned to, even if the new
// assignment is then rejected.
func (r *Registry) AssignVehicleToMap(vehicleID, mapID string) error {
	r.mu.Lock()
	v, ok := r.vehicles[vehicleID]
	if !ok {
		r.mu.Unlock()
		return errors.Errorf("vehicle %q does not exist", vehicleID)
	}
	if v.mapID == mapID {
		r.mu.Unlock()
		return nil
	}

	var oldMap *vehicleMap
	if v.mapID != "" {
		oldMap = r.maps[v.mapID]
	}
	v.mapID = ""

	noSensors := len(v.sensorIDs) == 0
	m, mapExists := r.maps[mapID]
	if noSensors || !mapExists {
		r.mu.Unlock()
		if oldMap != nil {
			oldMap.adapter.RemoveVehicle(vehicleID, nil)
		}
		r.broadcastState()
		if noSensors {
			return errors.Errorf("vehicle %q has no sensors", vehicleID)
		}
		return errors.Errorf("map %q does not exist", mapID)
	}

	v.mapID = mapID
	var sensorsWithKind []slam.SensorIDAndKind
	var sensorIDs []string
	for _, sid := range v.sensorIDs {
		if s, ok := r.sensors[sid]; ok {
			sensorsWithKind = append(sensorsWithKind, slam.SensorIDAndKind{SensorID: sid, Kind: s.init.Kind})
			sensorIDs = append(sensorIDs, sid)
		}
	}
	r.mu.Unlock()

	if oldMap != nil {
		oldMap.adapter.RemoveVehicle(vehicleID, nil)
	}

	// IMU presence among sensorsWithKind determines the engine's scan
	// matcher configuration; that decision belongs to the Engine
	// implementation, which receives the full sensor kind list.
	m.adapter.AddVehicle(vehicleID, sensorsWithKind, wskproto.Pose2D{}, true, false, func(err error) {
		if err != nil {
			r.logger.Warnw("failed to register vehicle with map", "vehicle_id", vehicleID, "map_id", mapID, "error", err)
		}
	})

	for _, sid := range sensorIDs {
		r.RequestObservation(sid, true)
	}

	r.broadcastState()
	return nil
}

// InvokeCapability looks up vehicleID's registered clients for
// capability and invokes each one's invocation func. Missing lookups
// are silently ignored.
func (r *Registry) InvokeCapability(msg wskproto.InvokeCapability) {
	r.mu.RLock()
	v, ok := r.vehicles[msg.VehicleID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	clients := v.capabilities[msg.Capability]
	funcs := make([]InvocationFunc, 0, len(clients))
	for _, f := range clients {
		funcs = append(funcs, f)
	}
	r.mu.RUnlock()

	for _, f := range funcs {
		f(msg)
	}
}

// GetMapData looks up mapID and, if present, forwards to its SLAM
// Adapter's GetMapData. cb is invoked with ok false if mapID is
// unknown.
func (r *Registry) GetMapData(mapID string, haveVersion uint64, cb func(wskproto.MapData, bool)) {
	r.mu.RLock()
	m, ok := r.maps[mapID]
	r.mu.RUnlock()
	if !ok {
		cb(wskproto.MapData{}, false)
		return
	}
	m.adapter.GetMapData(mapID, haveVersion, func(data wskproto.MapData) { cb(data, true) })
}

// GetSubmapTexture looks up mapID and, if present, forwards to its SLAM
// Adapter's GetSubmapTexture.
func (r *Registry) GetSubmapTexture(mapID string, trajectoryID, index int, cb func(wskproto.SubmapTexture, bool)) {
	r.mu.RLock()
	m, ok := r.maps[mapID]
	r.mu.RUnlock()
	if !ok {
		cb(wskproto.SubmapTexture{}, false)
		return
	}
	m.adapter.GetSubmapTexture(mapID, trajectoryID, index, cb)
}

// GetVehiclePoses looks up mapID and, if present, forwards to its SLAM
// Adapter's GetVehiclePoses.
func (r *Registry) GetVehiclePoses(mapID string, cb func(wskproto.VehiclePoses, bool)) {
	r.mu.RLock()
	m, ok := r.maps[mapID]
	r.mu.RUnlock()
	if !ok {
		cb(wskproto.VehiclePoses{}, false)
		return
	}
	m.adapter.GetVehiclePoses(mapID, func(poses wskproto.VehiclePoses) { cb(poses, true) })
}

// ResolveResourcePath resolves name relative to the configured
// resource directory, rejecting any path whose parent is not exactly
// the resource directory (blocking .. traversal), and lazily creating
// the resource directory if absent.
func (r *Registry) ResolveResourcePath(name string) (string, error) {
	if exists, _ := afero.DirExists(r.fs, r.resourceDir); !exists {
		if err := r.fs.MkdirAll(r.resourceDir, 0755); err != nil {
			return "", errors.Wrapf(err, "creating resource directory %q", r.resourceDir)
		}
	}

	candidate := filepath.Join(r.resourceDir, name)
	if filepath.Dir(candidate) != filepath.Clean(r.resourceDir) {
		return "", errors.Errorf("resource path %q escapes resource directory", name)
	}
	return candidate, nil
}

// ListResourceFiles scans the resource directory for saved map files,
// on the low-priority queue since directory scans can block on slow
// storage.
func (r *Registry) ListResourceFiles(done func(wskproto.ResourceFiles)) {
	r.lowPriority.AddTask(func() {
		var names []string
		infos, err := afero.ReadDir(r.fs, r.resourceDir)
		if err == nil {
			for _, info := range infos {
				if filepath.Ext(info.Name()) == savedMapExtension {
					names = append(names, info.Name())
				}
			}
		}
		done(wskproto.ResourceFiles{FileNames: names})
	})
}

// StartObservationLog opens a Message Log writer for every Sensor of
// vehicleID that does not already have one, writing the Sensor's
// frozen init message as the first record.
func (r *Registry) StartObservationLog(vehicleID string, nowMillis int64) error {
	r.mu.Lock()
	v, ok := r.vehicles[vehicleID]
	if !ok {
		r.mu.Unlock()
		return errors.Errorf("vehicle %q does not exist", vehicleID)
	}
	var toStart []*sensor
	for _, sid := range v.sensorIDs {
		if s, ok := r.sensors[sid]; ok && s.obsLog == nil {
			toStart = append(toStart, s)
		}
	}
	r.mu.Unlock()

	for _, s := range toStart {
		fileName := s.id + "-" + strconv.FormatInt(nowMillis, 10) + observationLogExtension
		path, err := r.ResolveResourcePath(fileName)
		if err != nil {
			return err
		}
		writer, err := msglog.CreateWriter(r.fs, path)
		if err != nil {
			r.logger.Warnw("failed to start observation log", "sensor_id", s.id, "error", err)
			continue
		}
		writer.Write(s.init)

		r.mu.Lock()
		s.obsLog = writer
		r.mu.Unlock()
	}
	return nil
}

// StopObservationLog queues every active writer belonging to
// vehicleID's Sensors for off-thread destruction (log flush may
// block).
func (r *Registry) StopObservationLog(vehicleID string) {
	r.mu.Lock()
	v, ok := r.vehicles[vehicleID]
	if !ok {
		r.mu.Unlock()
		return
	}
	var writers []*msglog.Writer
	for _, sid := range v.sensorIDs {
		if s, ok := r.sensors[sid]; ok && s.obsLog != nil {
			writers = append(writers, s.obsLog)
			s.obsLog = nil
		}
	}
	r.mu.Unlock()

	for _, w := range writers {
		w := w
		r.lowPriority.AddTask(func() {
			if err := w.Close(); err != nil {
				r.logger.Warnw("failed to close observation log", "error", err)
			}
		})
	}
}

func containsString(items []string, item string) bool {
	for _, i := range items {
		if i == item {
			return true
		}
	}
	return false
}

