// Package slam defines the narrow SLAM engine interface Whisker
// consumes (Engine) and the single-threaded, task-queue-serialized
// facade in front of it (Adapter) described in the component design.
package slam

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"go.opencensus.io/trace"

	"github.com/boscosiu/Whisker/internal/taskqueue"
	"github.com/boscosiu/Whisker/internal/wskproto"
)

func spanCtx() context.Context { return context.Background() }

// SensorIDAndKind identifies one sensor input registered to a
// trajectory.
type SensorIDAndKind struct {
	SensorID string
	Kind     wskproto.SensorKind
}

// Submap is the engine's view of one occupancy grid building block.
type Submap struct {
	TrajectoryID int
	Index        int
	// NumRangeData changes whenever the submap is updated; it is used
	// to decide whether a cached texture needs to be regenerated.
	NumRangeData int
	// Cells holds the cropped occupancy grid: 0 unknown, else
	// correspondence cost in [0, 1].
	Width, Height int
	Cells         []float64
	Resolution    float64
	LocalPose     wskproto.Pose2D
}

// Engine is the narrow interface to the external SLAM library. All
// methods are expected to be blocking and are only ever called from
// the Adapter's single worker goroutine.
type Engine interface {
	AddTrajectory(vehicleID string, sensors []SensorIDAndKind, initialPose wskproto.Pose2D, allowGlobalLocalization, useLocalizationTrimmer bool) error
	RemoveTrajectory(vehicleID string) error
	SubmitObservation(vehicleID, sensorID string, init wskproto.SensorInit, obs wskproto.Observation) error
	OptimizationVersion() uint64
	ListSubmaps(vehicleID string) []Submap
	GetSubmap(trajectoryID, index int) (Submap, bool)
	VehicleLocalPose(vehicleID string) (wskproto.Pose2D, bool)
	LocalToGlobal(trajectoryID int) wskproto.Pose2D
	SaveState(path string) error
	LoadState(path string, frozen bool) error
}

// Adapter serializes every Engine call on a single task queue, exposing
// a non-blocking, callback-based public surface matching the component
// design.
type Adapter struct {
	engine Engine
	queue  *taskqueue.Queue

	mu           sync.Mutex
	vehicles     []string
	haveVersion  map[string]uint64
	textureCache map[string]cachedTexture
}

type cachedTexture struct {
	texture      wskproto.SubmapTexture
	numRangeData int
}

// NewAdapter constructs an Adapter in front of engine, starting its
// internal task queue.
func NewAdapter(engine Engine) *Adapter {
	return &Adapter{
		engine:       engine,
		queue:        taskqueue.New(64),
		haveVersion:  make(map[string]uint64),
		textureCache: make(map[string]cachedTexture),
	}
}

// AddVehicle creates a trajectory for vehicleID. The sensor list,
// including each sensor's kind, is passed to the Engine unchanged; the
// adapter itself derives no scan-matching setting from IMU presence.
func (a *Adapter) AddVehicle(vehicleID string, sensors []SensorIDAndKind, initialPose wskproto.Pose2D, allowGlobalLocalization, useLocalizationTrimmer bool, done func(error)) {
	a.queue.AddTask(func() {
		_, span := trace.StartSpan(spanCtx(), "slam.Adapter.AddVehicle")
		defer span.End()

		err := a.engine.AddTrajectory(vehicleID, sensors, initialPose, allowGlobalLocalization, useLocalizationTrimmer)
		if err == nil {
			a.mu.Lock()
			a.vehicles = append(a.vehicles, vehicleID)
			a.mu.Unlock()
		}
		if done != nil {
			done(err)
		}
	})
}

// RemoveVehicle finishes vehicleID's trajectory.
func (a *Adapter) RemoveVehicle(vehicleID string, done func(error)) {
	a.queue.AddTask(func() {
		err := a.engine.RemoveTrajectory(vehicleID)
		a.mu.Lock()
		for i, v := range a.vehicles {
			if v == vehicleID {
				a.vehicles = append(a.vehicles[:i], a.vehicles[i+1:]...)
				break
			}
		}
		delete(a.haveVersion, vehicleID)
		a.mu.Unlock()
		if done != nil {
			done(err)
		}
	})
}

// SubmitObservation feeds obs into vehicleID's trajectory. obs is passed
// to the Engine as received: the adapter applies no unit conversion or
// extrinsic rotation (RotateIMU and LidarPointTimestampOffset are not
// called here).
func (a *Adapter) SubmitObservation(vehicleID, sensorID string, init wskproto.SensorInit, obs wskproto.Observation) {
	a.queue.AddTask(func() {
		if err := a.engine.SubmitObservation(vehicleID, sensorID, init, obs); err != nil {
			// Best-effort by design; a failed submission is dropped rather
			// than retried, consistent with spec.md's observation delivery
			// guarantee.
			return
		}
	})
}

// GetMapData invokes cb with a message reflecting whether the engine's
// optimization version has advanced since haveVersion.
func (a *Adapter) GetMapData(vehicleID string, haveVersion uint64, cb func(wskproto.MapData)) {
	a.queue.AddTask(func() {
		version := a.engine.OptimizationVersion()
		isNew := version != haveVersion

		submaps := a.engine.ListSubmaps(vehicleID)
		msg := wskproto.MapData{MapID: vehicleID, Version: version, IsNewMapVersion: isNew}
		liveKeys := make(map[string]bool, len(submaps))
		for _, sm := range submaps {
			key := submapKey(sm.TrajectoryID, sm.Index)
			liveKeys[key] = true

			entry := wskproto.Submap{TrajectoryID: sm.TrajectoryID, Index: sm.Index}
			if isNew {
				global := composePose(a.engine.LocalToGlobal(sm.TrajectoryID), sm.LocalPose)
				entry.GlobalPose = &global
			}
			msg.Submaps = append(msg.Submaps, entry)
		}

		a.mu.Lock()
		for key := range a.textureCache {
			if !liveKeys[key] {
				delete(a.textureCache, key)
			}
		}
		a.mu.Unlock()

		cb(msg)
	})
}

// GetSubmapTexture returns a cached or freshly rendered PNG texture
// for the named submap.
func (a *Adapter) GetSubmapTexture(mapID string, trajectoryID, index int, cb func(wskproto.SubmapTexture, bool)) {
	a.queue.AddTask(func() {
		sm, ok := a.engine.GetSubmap(trajectoryID, index)
		if !ok {
			cb(wskproto.SubmapTexture{}, false)
			return
		}

		key := submapKey(trajectoryID, index)

		a.mu.Lock()
		cached, hasCached := a.textureCache[key]
		a.mu.Unlock()

		// Revalidate by range-data count; regenerate only if the submap
		// has actually changed since the texture was cached.
		if hasCached && cached.numRangeData == sm.NumRangeData {
			cb(cached.texture, true)
			return
		}

		texture := RenderSubmapTexture(mapID, sm)
		a.mu.Lock()
		a.textureCache[key] = cachedTexture{texture: texture, numRangeData: sm.NumRangeData}
		a.mu.Unlock()

		cb(texture, true)
	})
}

// GetVehiclePoses invokes cb with every vehicle's current global pose.
func (a *Adapter) GetVehiclePoses(mapID string, cb func(wskproto.VehiclePoses)) {
	a.queue.AddTask(func() {
		a.mu.Lock()
		vehicles := append([]string(nil), a.vehicles...)
		a.mu.Unlock()

		poses := make(map[string]wskproto.Pose2D, len(vehicles))
		for _, v := range vehicles {
			local, ok := a.engine.VehicleLocalPose(v)
			if !ok {
				continue
			}
			// trajectory id is not modeled per-vehicle in this narrow
			// interface beyond what LocalToGlobal needs; engines that
			// support multiple trajectories per map key by vehicle id.
			global := composePose(a.engine.LocalToGlobal(0), local)
			poses[v] = global
		}
		cb(wskproto.VehiclePoses{MapID: mapID, Poses: poses})
	})
}

// SaveState serializes the engine's current state to path via
// Engine.SaveState. It does not finish trajectories or run an
// optimization pass before saving.
func (a *Adapter) SaveState(path string, done func(error)) {
	a.queue.AddTask(func() {
		err := a.engine.SaveState(path)
		if done != nil {
			done(err)
		}
	})
}

// LoadState restores previously saved SLAM state from path.
func (a *Adapter) LoadState(path string, frozen bool, done func(error)) {
	a.queue.AddTask(func() {
		err := a.engine.LoadState(path, frozen)
		if done != nil {
			done(err)
		}
	})
}

// Close drains the adapter's task queue.
func (a *Adapter) Close() {
	a.queue.FinishSync()
}

func submapKey(trajectoryID, index int) string {
	return fmt.Sprintf("%d:%d", trajectoryID, index)
}

func composePose(frame, local wskproto.Pose2D) wskproto.Pose2D {
	sinR, cosR := math.Sincos(frame.R)
	x := frame.X + local.X*cosR - local.Y*sinR
	y := frame.Y + local.X*sinR + local.Y*cosR
	return wskproto.Pose2D{X: x, Y: y, R: frame.R + local.R}
}

// RenderSubmapTexture crops sm to the bounding box of known cells and
// renders an 8-bit grayscale PNG per the submap rendering design: 0 for
// unknown cells, logoddsInt(1-cost) otherwise. The emitted pose
// translates the submap's local pose to the PNG's center with a -pi/2
// rotation compensating the grid's row/column vs x/y axis swap.
func RenderSubmapTexture(mapID string, sm Submap) wskproto.SubmapTexture {
	minX, minY, maxX, maxY := boundingBoxOfKnownCells(sm)
	width := maxX - minX + 1
	height := maxY - minY + 1
	if width <= 0 || height <= 0 {
		width, height = 1, 1
	}

	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			cost := sm.Cells[(y+minY)*sm.Width+(x+minX)]
			var gray uint8
			if cost > 0 {
				gray = logoddsInt(1 - cost)
			}
			img.SetGray(x, y, color.Gray{Y: gray})
		}
	}

	var buf bytes.Buffer
	_ = png.Encode(&buf, img)

	centerX := float64(minX+width/2) * sm.Resolution
	centerY := float64(minY+height/2) * sm.Resolution
	pose := wskproto.Pose2D{
		X: sm.LocalPose.X + centerX,
		Y: sm.LocalPose.Y + centerY,
		R: sm.LocalPose.R - math.Pi/2,
	}

	return wskproto.SubmapTexture{
		MapID:        mapID,
		TrajectoryID: sm.TrajectoryID,
		Index:        sm.Index,
		Width:        width,
		Height:       height,
		Resolution:   sm.Resolution,
		SubmapPose:   pose,
		PNG:          buf.Bytes(),
	}
}

func boundingBoxOfKnownCells(sm Submap) (minX, minY, maxX, maxY int) {
	minX, minY = sm.Width, sm.Height
	maxX, maxY = -1, -1
	for y := 0; y < sm.Height; y++ {
		for x := 0; x < sm.Width; x++ {
			if sm.Cells[y*sm.Width+x] > 0 {
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}
	if maxX < minX || maxY < minY {
		return 0, 0, 0, 0
	}
	return minX, minY, maxX, maxY
}

// logoddsInt maps a correspondence-cost-derived probability in [0, 1]
// to a 1..255 integer grayscale value.
func logoddsInt(probability float64) uint8 {
	if probability < 0 {
		probability = 0
	}
	if probability > 1 {
		probability = 1
	}
	v := 1 + int(probability*254)
	if v > 255 {
		v = 255
	}
	return uint8(v)
}

// RotateIMU rotates a linear acceleration or angular velocity vector by
// the sensor's roll/pitch/yaw extrinsic, per the unit-conversion rules
// in the external interfaces design.
func RotateIMU(v r3.Vector, roll, pitch, yaw float64) r3.Vector {
	sr, cr := math.Sincos(roll)
	sp, cp := math.Sincos(pitch)
	sy, cy := math.Sincos(yaw)

	// Standard Z-Y-X (yaw, pitch, roll) extrinsic rotation matrix applied
	// to the sensor-frame vector to produce the vehicle-frame vector.
	x := cy*cp*v.X + (cy*sp*sr-sy*cr)*v.Y + (cy*sp*cr+sy*sr)*v.Z
	y := sy*cp*v.X + (sy*sp*sr+cy*cr)*v.Y + (sy*sp*cr-cy*sr)*v.Z
	z := -sp*v.X + cp*sr*v.Y + cp*cr*v.Z
	return r3.Vector{X: x, Y: y, Z: z}
}

// LidarPointTimestampOffset returns the per-point time offset for the
// i-th (zero-based) of n points in a scan sampled at
// secondsPerMeasurement apart, such that the last point has offset 0.
func LidarPointTimestampOffset(i, n int, secondsPerMeasurement float64) time.Duration {
	offsetSeconds := float64(i+1-n) * secondsPerMeasurement
	return time.Duration(offsetSeconds * float64(time.Second))
}
