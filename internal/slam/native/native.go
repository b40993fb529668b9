//go:build cgo_cartographer

// Package native binds the external Cartographer C API consumed by the
// Engine implementation in this file. It mirrors the shape of the
// teacher's cartofacade package: one native status code per call,
// allocate/destroy pairs for out-parameters that cross the cgo
// boundary, and JSON blobs for the handful of structured values this
// narrower interface needs (submap lists, poses) rather than a fully
// mirrored C struct per message.
package native

/*
#cgo LDFLAGS: -lcartographer_c_api
#include <stdlib.h>

typedef void* whisker_carto_handle;

whisker_carto_handle whisker_carto_new(const char *lua_config_path, int use_overlapping_trimmer);
void whisker_carto_free(whisker_carto_handle h);

int whisker_carto_add_trajectory(whisker_carto_handle h, const char *vehicle_id, const char *sensors_json,
                                  double pose_x, double pose_y, double pose_r,
                                  int allow_global_localization, int use_localization_trimmer);
int whisker_carto_remove_trajectory(whisker_carto_handle h, const char *vehicle_id);
int whisker_carto_add_lidar_reading(whisker_carto_handle h, const char *vehicle_id, const char *sensor_id,
                                     long long timestamp_ms, const char *ranges_json);
int whisker_carto_add_imu_reading(whisker_carto_handle h, const char *vehicle_id, const char *sensor_id,
                                   long long timestamp_ms,
                                   double lin_x, double lin_y, double lin_z,
                                   double ang_x, double ang_y, double ang_z);
unsigned long long whisker_carto_optimization_version(whisker_carto_handle h);
char* whisker_carto_list_submaps(whisker_carto_handle h, const char *vehicle_id);
char* whisker_carto_get_submap(whisker_carto_handle h, int trajectory_id, int index);
char* whisker_carto_vehicle_local_pose(whisker_carto_handle h, const char *vehicle_id);
int whisker_carto_local_to_global(whisker_carto_handle h, int trajectory_id, double *out_x, double *out_y, double *out_r);
int whisker_carto_save_state(whisker_carto_handle h, const char *path);
int whisker_carto_load_state(whisker_carto_handle h, const char *path, int frozen);
void whisker_carto_free_string(char *s);
*/
import "C"

import (
	"encoding/json"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/boscosiu/Whisker/internal/slam"
	"github.com/boscosiu/Whisker/internal/wskproto"
)

// Handle wraps the opaque native Cartographer instance.
type Handle struct {
	ptr C.whisker_carto_handle
}

// Open constructs a native Cartographer instance configured from the
// Lua configuration file at luaConfigPath. useOverlappingTrimmer is
// consumed once here, at map-builder construction, matching the
// original's pose_graph_options->mutable_overlapping_submaps_trimmer_2d()
// call: it is a per-map setting, not a per-trajectory one.
func Open(luaConfigPath string, useOverlappingTrimmer bool) (*Handle, error) {
	cPath := C.CString(luaConfigPath)
	defer C.free(unsafe.Pointer(cPath))

	trimmer := C.int(0)
	if useOverlappingTrimmer {
		trimmer = C.int(1)
	}

	ptr := C.whisker_carto_new(cPath, trimmer)
	if ptr == nil {
		return nil, errors.Errorf("failed to initialize cartographer from %q", luaConfigPath)
	}
	return &Handle{ptr: ptr}, nil
}

// Close releases the native instance.
func (h *Handle) Close() {
	C.whisker_carto_free(h.ptr)
}

func toError(status C.int) error {
	if status == 0 {
		return nil
	}
	return errors.Errorf("native cartographer call failed with status %d", int(status))
}

// Engine adapts a Handle to slam.Engine.
type Engine struct {
	handle *Handle
}

// NewEngine wraps handle as a slam.Engine. It takes no map id (cmd/server
// keeps that for its own logging); useOverlappingTrimmer
// was already consumed by Open, so every engine method here is scoped
// to one already-configured map.
func NewEngine(handle *Handle) *Engine {
	return &Engine{handle: handle}
}

func cString(s string) (*C.char, func()) {
	cs := C.CString(s)
	return cs, func() { C.free(unsafe.Pointer(cs)) }
}

func takeString(cs *C.char) string {
	if cs == nil {
		return ""
	}
	defer C.whisker_carto_free_string(cs)
	return C.GoString(cs)
}

func (e *Engine) AddTrajectory(vehicleID string, sensors []slam.SensorIDAndKind, initialPose wskproto.Pose2D, allowGlobalLocalization, useLocalizationTrimmer bool) error {
	sensorsJSON, err := json.Marshal(sensors)
	if err != nil {
		return errors.Wrap(err, "encoding sensor list")
	}

	cVehicleID, freeVehicleID := cString(vehicleID)
	defer freeVehicleID()
	cSensors, freeSensors := cString(string(sensorsJSON))
	defer freeSensors()

	allowGlobal := C.int(0)
	if allowGlobalLocalization {
		allowGlobal = 1
	}
	useTrimmer := C.int(0)
	if useLocalizationTrimmer {
		useTrimmer = 1
	}

	status := C.whisker_carto_add_trajectory(e.handle.ptr, cVehicleID, cSensors,
		C.double(initialPose.X), C.double(initialPose.Y), C.double(initialPose.R),
		allowGlobal, useTrimmer)
	return toError(status)
}

func (e *Engine) RemoveTrajectory(vehicleID string) error {
	cVehicleID, free := cString(vehicleID)
	defer free()
	return toError(C.whisker_carto_remove_trajectory(e.handle.ptr, cVehicleID))
}

func (e *Engine) SubmitObservation(vehicleID, sensorID string, init wskproto.SensorInit, obs wskproto.Observation) error {
	cVehicleID, freeVehicleID := cString(vehicleID)
	defer freeVehicleID()
	cSensorID, freeSensorID := cString(sensorID)
	defer freeSensorID()

	if init.Kind == wskproto.SensorLidar {
		rangesJSON, err := json.Marshal(obs.LidarRangesMM)
		if err != nil {
			return errors.Wrap(err, "encoding lidar ranges")
		}
		cRanges, freeRanges := cString(string(rangesJSON))
		defer freeRanges()
		return toError(C.whisker_carto_add_lidar_reading(e.handle.ptr, cVehicleID, cSensorID,
			C.longlong(obs.TimestampMillis), cRanges))
	}

	return toError(C.whisker_carto_add_imu_reading(e.handle.ptr, cVehicleID, cSensorID,
		C.longlong(obs.TimestampMillis),
		C.double(obs.LinearAccel[0]), C.double(obs.LinearAccel[1]), C.double(obs.LinearAccel[2]),
		C.double(obs.AngularVelocity[0]), C.double(obs.AngularVelocity[1]), C.double(obs.AngularVelocity[2])))
}

func (e *Engine) OptimizationVersion() uint64 {
	return uint64(C.whisker_carto_optimization_version(e.handle.ptr))
}

func (e *Engine) ListSubmaps(vehicleID string) []slam.Submap {
	cVehicleID, free := cString(vehicleID)
	defer free()

	raw := takeString(C.whisker_carto_list_submaps(e.handle.ptr, cVehicleID))
	if raw == "" {
		return nil
	}
	var submaps []slam.Submap
	if err := json.Unmarshal([]byte(raw), &submaps); err != nil {
		return nil
	}
	return submaps
}

func (e *Engine) GetSubmap(trajectoryID, index int) (slam.Submap, bool) {
	raw := takeString(C.whisker_carto_get_submap(e.handle.ptr, C.int(trajectoryID), C.int(index)))
	if raw == "" {
		return slam.Submap{}, false
	}
	var sm slam.Submap
	if err := json.Unmarshal([]byte(raw), &sm); err != nil {
		return slam.Submap{}, false
	}
	return sm, true
}

func (e *Engine) VehicleLocalPose(vehicleID string) (wskproto.Pose2D, bool) {
	cVehicleID, free := cString(vehicleID)
	defer free()

	raw := takeString(C.whisker_carto_vehicle_local_pose(e.handle.ptr, cVehicleID))
	if raw == "" {
		return wskproto.Pose2D{}, false
	}
	var pose wskproto.Pose2D
	if err := json.Unmarshal([]byte(raw), &pose); err != nil {
		return wskproto.Pose2D{}, false
	}
	return pose, true
}

func (e *Engine) LocalToGlobal(trajectoryID int) wskproto.Pose2D {
	var x, y, r C.double
	if status := C.whisker_carto_local_to_global(e.handle.ptr, C.int(trajectoryID), &x, &y, &r); status != 0 {
		return wskproto.Pose2D{}
	}
	return wskproto.Pose2D{X: float64(x), Y: float64(y), R: float64(r)}
}

func (e *Engine) SaveState(path string) error {
	cPath, free := cString(path)
	defer free()
	return toError(C.whisker_carto_save_state(e.handle.ptr, cPath))
}

func (e *Engine) LoadState(path string, frozen bool) error {
	cPath, free := cString(path)
	defer free()
	frozenFlag := C.int(0)
	if frozen {
		frozenFlag = 1
	}
	return toError(C.whisker_carto_load_state(e.handle.ptr, cPath, frozenFlag))
}
