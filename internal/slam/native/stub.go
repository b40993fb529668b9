//go:build !cgo_cartographer

// Package native, without the cgo_cartographer build tag, provides a
// stub so the rest of the module builds without the native SLAM
// library present. Open and every error-returning Engine method fail
// with NotAvailable; the query methods return zero values.
package native

import (
	"github.com/pkg/errors"

	"github.com/boscosiu/Whisker/internal/slam"
	"github.com/boscosiu/Whisker/internal/wskproto"
)

// NotAvailable is returned by Open and by every error-returning Engine
// method when this module was built without the cgo_cartographer tag.
var NotAvailable = errors.New("native cartographer engine not built into this binary (missing cgo_cartographer build tag)")

// Handle is a non-functional placeholder matching the cgo-backed type.
type Handle struct{}

// Open always fails with NotAvailable in a non-cgo build.
func Open(luaConfigPath string, useOverlappingTrimmer bool) (*Handle, error) {
	return nil, NotAvailable
}

// Close is a no-op.
func (h *Handle) Close() {}

// Engine is a non-functional placeholder matching the cgo-backed type;
// every error-returning method fails with NotAvailable and the rest
// return zero values. Since Open always fails first,
// no caller can construct a Handle to pass to NewEngine in this build.
type Engine struct{}

// NewEngine wraps handle as a non-functional slam.Engine.
func NewEngine(handle *Handle) *Engine {
	return &Engine{}
}

func (e *Engine) AddTrajectory(string, []slam.SensorIDAndKind, wskproto.Pose2D, bool, bool) error {
	return NotAvailable
}

func (e *Engine) RemoveTrajectory(string) error { return NotAvailable }

func (e *Engine) SubmitObservation(string, string, wskproto.SensorInit, wskproto.Observation) error {
	return NotAvailable
}

func (e *Engine) OptimizationVersion() uint64 { return 0 }

func (e *Engine) ListSubmaps(string) []slam.Submap { return nil }

func (e *Engine) GetSubmap(int, int) (slam.Submap, bool) { return slam.Submap{}, false }

func (e *Engine) VehicleLocalPose(string) (wskproto.Pose2D, bool) { return wskproto.Pose2D{}, false }

func (e *Engine) LocalToGlobal(int) wskproto.Pose2D { return wskproto.Pose2D{} }

func (e *Engine) SaveState(string) error { return NotAvailable }

func (e *Engine) LoadState(string, bool) error { return NotAvailable }
