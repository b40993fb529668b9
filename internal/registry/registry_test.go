package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boscosiu/Whisker/internal/msglog"
	"github.com/boscosiu/Whisker/internal/slam"
	"github.com/boscosiu/Whisker/internal/wskproto"
)

type fakeEngine struct {
	mu          sync.Mutex
	trajectory  map[string][]slam.SensorIDAndKind
	savedPath   string
	saveErr     error
	loadedPath  string
	submaps     []slam.Submap
	submap      slam.Submap
	hasSubmap   bool
	localPose   wskproto.Pose2D
	hasLocalPose bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{trajectory: make(map[string][]slam.SensorIDAndKind)}
}

func (e *fakeEngine) AddTrajectory(vehicleID string, sensors []slam.SensorIDAndKind, _ wskproto.Pose2D, _, _ bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trajectory[vehicleID] = sensors
	return nil
}

func (e *fakeEngine) RemoveTrajectory(vehicleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.trajectory, vehicleID)
	return nil
}

func (e *fakeEngine) SubmitObservation(string, string, wskproto.SensorInit, wskproto.Observation) error {
	return nil
}

func (e *fakeEngine) OptimizationVersion() uint64 { return 1 }

func (e *fakeEngine) ListSubmaps(string) []slam.Submap {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submaps
}

func (e *fakeEngine) GetSubmap(int, int) (slam.Submap, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submap, e.hasSubmap
}

func (e *fakeEngine) VehicleLocalPose(string) (wskproto.Pose2D, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localPose, e.hasLocalPose
}

func (e *fakeEngine) setSubmaps(submaps []slam.Submap) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submaps = submaps
}

func (e *fakeEngine) setSubmap(sm slam.Submap) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submap = sm
	e.hasSubmap = true
}

func (e *fakeEngine) setLocalPose(pose wskproto.Pose2D) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localPose = pose
	e.hasLocalPose = true
}

func (e *fakeEngine) LocalToGlobal(int) wskproto.Pose2D { return wskproto.Pose2D{} }

func (e *fakeEngine) SaveState(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.savedPath = path
	return e.saveErr
}

func (e *fakeEngine) setSaveError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saveErr = err
}

func (e *fakeEngine) LoadState(path string, _ bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadedPath = path
	return nil
}

func (e *fakeEngine) sensorsFor(vehicleID string) []slam.SensorIDAndKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trajectory[vehicleID]
}

type fakeBroadcaster struct {
	mu          sync.Mutex
	broadcasts  int
	lastUnicast string
}

func (b *fakeBroadcaster) Send(_ string, _ interface{}, recipientID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUnicast = recipientID
	return nil
}

func (b *fakeBroadcaster) Broadcast(string, interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasts++
	return nil
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broadcasts
}

func newTestRegistry(t *testing.T) (*Registry, *fakeBroadcaster, map[string]*fakeEngine) {
	t.Helper()
	engines := make(map[string]*fakeEngine)
	var mu sync.Mutex
	newEngine := func(mapID string, _ bool) slam.Engine {
		e := newFakeEngine()
		mu.Lock()
		engines[mapID] = e
		mu.Unlock()
		return e
	}
	b := &fakeBroadcaster{}
	r := New(zap.NewNop().Sugar(), afero.NewMemMapFs(), "/resources", newEngine, b)
	t.Cleanup(r.Close)
	return r, b, engines
}

func TestAddSensorClientWithoutMapDoesNotSolicit(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	var requested []bool
	err := r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(force bool) {
		requested = append(requested, force)
	})
	require.NoError(t, err)
	require.Empty(t, requested)
}

func TestAssignVehicleToMapForcesObservationRequest(t *testing.T) {
	r, _, engines := newTestRegistry(t)
	require.NoError(t, r.CreateMap("map0", false))

	var forced []bool
	var mu sync.Mutex
	err := r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5, Kind: wskproto.SensorIMU}, func(force bool) {
		mu.Lock()
		forced = append(forced, force)
		mu.Unlock()
	})
	require.NoError(t, err)

	err = r.AssignVehicleToMap("rover0", "map0")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, forced, 1)
	require.True(t, forced[0])

	sensors := engines["map0"].sensorsFor("rover0")
	require.Len(t, sensors, 1)
	require.Equal(t, "imu0", sensors[0].SensorID)
}

func TestAssignVehicleToMapIsIdempotent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.CreateMap("map0", false))
	require.NoError(t, r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(bool) {}))

	require.NoError(t, r.AssignVehicleToMap("rover0", "map0"))
	require.NoError(t, r.AssignVehicleToMap("rover0", "map0"))
}

func TestAssignVehicleToMapRejectsUnknownMap(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(bool) {}))

	err := r.AssignVehicleToMap("rover0", "does-not-exist")
	require.Error(t, err)
}

func TestAssignVehicleToMapRejectsVehicleWithoutSensors(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.CreateMap("map0", false))
	require.NoError(t, r.AddCapabilityClient("console0", wskproto.CapabilityInit{VehicleID: "rover0", Capabilities: []string{"drive"}}, func(wskproto.InvokeCapability) {}))

	err := r.AssignVehicleToMap("rover0", "map0")
	require.Error(t, err)
}

func TestAssignVehicleToMapDetachesFromPreviousMap(t *testing.T) {
	r, _, engines := newTestRegistry(t)
	require.NoError(t, r.CreateMap("map0", false))
	require.NoError(t, r.CreateMap("map1", false))
	require.NoError(t, r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(bool) {}))

	require.NoError(t, r.AssignVehicleToMap("rover0", "map0"))
	require.Eventually(t, func() bool {
		return len(engines["map0"].sensorsFor("rover0")) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, r.AssignVehicleToMap("rover0", "map1"))

	require.Eventually(t, func() bool {
		return len(engines["map1"].sensorsFor("rover0")) == 1
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return engines["map0"].sensorsFor("rover0") == nil
	}, time.Second, time.Millisecond)
}

func TestAssignVehicleToMapDetachesFromPreviousMapOnRejectedTarget(t *testing.T) {
	r, _, engines := newTestRegistry(t)
	require.NoError(t, r.CreateMap("map0", false))
	require.NoError(t, r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(bool) {}))
	require.NoError(t, r.AssignVehicleToMap("rover0", "map0"))
	require.Eventually(t, func() bool {
		return len(engines["map0"].sensorsFor("rover0")) == 1
	}, time.Second, time.Millisecond)

	err := r.AssignVehicleToMap("rover0", "does-not-exist")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return engines["map0"].sensorsFor("rover0") == nil
	}, time.Second, time.Millisecond)
}

func TestRequestObservationIsIdempotentUnlessForced(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	var calls int
	var mu sync.Mutex
	require.NoError(t, r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(bool) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))

	r.RequestObservation("imu0", false)
	r.RequestObservation("imu0", false)
	r.RequestObservation("imu0", false)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestRequestObservationForceAlwaysSolicits(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	var calls int
	var mu sync.Mutex
	require.NoError(t, r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(bool) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))

	r.RequestObservation("imu0", true)
	r.RequestObservation("imu0", true)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
}

func TestSubmitObservationReSolicitsAfterClear(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.CreateMap("map0", false))

	var calls int
	var mu sync.Mutex
	require.NoError(t, r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(bool) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	require.NoError(t, r.AssignVehicleToMap("rover0", "map0"))

	mu.Lock()
	afterAssign := calls
	mu.Unlock()
	require.Equal(t, 1, afterAssign)

	r.SubmitObservation("imu0", wskproto.Observation{})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
}

func TestSubmitObservationDroppedWithoutMapAssignment(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	var calls int
	var mu sync.Mutex
	require.NoError(t, r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(bool) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))

	r.SubmitObservation("imu0", wskproto.Observation{})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestInvokeCapabilityInvokesAllRegisteredClients(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	var invoked []string
	var mu sync.Mutex
	record := func(name string) InvocationFunc {
		return func(wskproto.InvokeCapability) {
			mu.Lock()
			invoked = append(invoked, name)
			mu.Unlock()
		}
	}
	require.NoError(t, r.AddCapabilityClient("console0", wskproto.CapabilityInit{VehicleID: "rover0", Capabilities: []string{"drive"}}, record("console0")))
	require.NoError(t, r.AddCapabilityClient("console1", wskproto.CapabilityInit{VehicleID: "rover0", Capabilities: []string{"drive"}}, record("console1")))

	r.InvokeCapability(wskproto.InvokeCapability{VehicleID: "rover0", Capability: "drive", Input: "forward"})

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"console0", "console1"}, invoked)
}

func TestInvokeCapabilityOnUnknownVehicleIsSilent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NotPanics(t, func() {
		r.InvokeCapability(wskproto.InvokeCapability{VehicleID: "no-such-vehicle", Capability: "drive"})
	})
}

func TestResolveResourcePathRejectsTraversal(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	_, err := r.ResolveResourcePath("../escape.pbstream")
	require.Error(t, err)

	_, err = r.ResolveResourcePath("sub/dir.pbstream")
	require.Error(t, err)

	path, err := r.ResolveResourcePath("map0-123.pbstream")
	require.NoError(t, err)
	require.Equal(t, "/resources/map0-123.pbstream", path)
}

func TestSaveMapWritesTimestampedFileAndDetachesVehicles(t *testing.T) {
	r, _, engines := newTestRegistry(t)
	require.NoError(t, r.CreateMap("map0", false))
	require.NoError(t, r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(bool) {}))
	require.NoError(t, r.AssignVehicleToMap("rover0", "map0"))

	require.NoError(t, r.SaveMap("map0", 1000))
	r.Close()

	// The save runs on map0's slam.Adapter queue, which r.Close does not drain.
	require.Eventually(t, func() bool {
		e := engines["map0"]
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.savedPath == "/resources/map0-1000.pbstream"
	}, time.Second, time.Millisecond)

	state := r.GetServerState()
	require.Nil(t, state.Vehicles["rover0"].AssignedMapID)
}

func TestLoadMapRejectsWrongExtension(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	err := r.LoadMap("map0", "map0.json", false, false)
	require.Error(t, err)
}

func TestLoadMapRejectsMissingFile(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	err := r.LoadMap("map0", "missing.pbstream", false, false)
	require.Error(t, err)
}

func TestDeleteMapDetachesAssignedVehicles(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.CreateMap("map0", false))
	require.NoError(t, r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(bool) {}))
	require.NoError(t, r.AssignVehicleToMap("rover0", "map0"))

	r.DeleteMap("map0")
	r.Close()

	state := r.GetServerState()
	require.Nil(t, state.Vehicles["rover0"].AssignedMapID)
	require.NotContains(t, state.MapIDs, "map0")
}

func TestBroadcastFiresOnEachMutation(t *testing.T) {
	r, b, _ := newTestRegistry(t)

	require.NoError(t, r.CreateMap("map0", false))
	require.Equal(t, 1, b.count())

	require.NoError(t, r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(bool) {}))
	require.Equal(t, 2, b.count())

	require.NoError(t, r.AssignVehicleToMap("rover0", "map0"))
	require.Equal(t, 3, b.count())
}

func TestStartAndStopObservationLogWritesInitRecord(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(bool) {}))

	require.NoError(t, r.StartObservationLog("rover0", 42))
	r.StopObservationLog("rover0")
	r.Close()

	reader, err := msglog.OpenReader(r.fs, "/resources/imu0-42.obslog")
	require.NoError(t, err)
	defer reader.Close()
	var init wskproto.SensorInit
	require.True(t, reader.Read(&init))
	require.Equal(t, "rover0", init.VehicleID)
}

func TestStartObservationLogRejectsUnknownVehicle(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	err := r.StartObservationLog("no-such-vehicle", 42)
	require.Error(t, err)
}

func TestDeleteVehicleRemovesItsSensors(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(bool) {}))

	r.DeleteVehicle("rover0")
	r.Close()

	state := r.GetServerState()
	require.NotContains(t, state.Vehicles, "rover0")

	var calls int
	err := r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(bool) {
		calls++
	})
	require.NoError(t, err)
	require.Zero(t, calls)
}

func TestListResourceFilesFiltersByExtension(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	fs := afero.NewMemMapFs()
	r.fs = fs
	require.NoError(t, afero.WriteFile(fs, "/resources/map0-1.pbstream", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/resources/notes.txt", []byte("x"), 0644))

	done := make(chan wskproto.ResourceFiles, 1)
	r.ListResourceFiles(func(files wskproto.ResourceFiles) { done <- files })

	files := <-done
	require.Equal(t, []string{"map0-1.pbstream"}, files.FileNames)
}

func TestGetMapDataReturnsSubmapsForAssignedMap(t *testing.T) {
	r, _, engines := newTestRegistry(t)
	require.NoError(t, r.CreateMap("map0", false))
	engines["map0"].setSubmaps([]slam.Submap{{TrajectoryID: 0, Index: 0}})

	done := make(chan wskproto.MapData, 1)
	r.GetMapData("map0", 0, func(data wskproto.MapData, ok bool) {
		require.True(t, ok)
		done <- data
	})

	data := <-done
	require.Equal(t, "map0", data.MapID)
	require.True(t, data.IsNewMapVersion)
	require.Len(t, data.Submaps, 1)
	require.NotNil(t, data.Submaps[0].GlobalPose)
}

func TestGetMapDataOnUnknownMapReturnsFalse(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	done := make(chan bool, 1)
	r.GetMapData("does-not-exist", 0, func(_ wskproto.MapData, ok bool) { done <- ok })
	require.False(t, <-done)
}

func TestGetSubmapTextureRendersPNGForAssignedMap(t *testing.T) {
	r, _, engines := newTestRegistry(t)
	require.NoError(t, r.CreateMap("map0", false))
	engines["map0"].setSubmap(slam.Submap{
		TrajectoryID: 0,
		Index:        0,
		Width:        1,
		Height:       1,
		Cells:        []float64{0.5},
		Resolution:   0.05,
	})

	done := make(chan wskproto.SubmapTexture, 1)
	r.GetSubmapTexture("map0", 0, 0, func(texture wskproto.SubmapTexture, ok bool) {
		require.True(t, ok)
		done <- texture
	})

	texture := <-done
	require.Equal(t, "map0", texture.MapID)
	require.NotEmpty(t, texture.PNG)
}

func TestGetSubmapTextureOnUnknownMapReturnsFalse(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	done := make(chan bool, 1)
	r.GetSubmapTexture("does-not-exist", 0, 0, func(_ wskproto.SubmapTexture, ok bool) { done <- ok })
	require.False(t, <-done)
}

func TestGetVehiclePosesReturnsPerVehicleGlobalPose(t *testing.T) {
	r, _, engines := newTestRegistry(t)
	require.NoError(t, r.CreateMap("map0", false))
	require.NoError(t, r.AddSensorClient("imu0", wskproto.SensorInit{VehicleID: "rover0", KeepOutRadius: 0.5}, func(bool) {}))
	require.NoError(t, r.AssignVehicleToMap("rover0", "map0"))
	engines["map0"].setLocalPose(wskproto.Pose2D{X: 1, Y: 2, R: 0})

	done := make(chan wskproto.VehiclePoses, 1)
	r.GetVehiclePoses("map0", func(poses wskproto.VehiclePoses, ok bool) {
		require.True(t, ok)
		done <- poses
	})

	poses := <-done
	require.Equal(t, "map0", poses.MapID)
	require.Contains(t, poses.Poses, "rover0")
	require.Equal(t, wskproto.Pose2D{X: 1, Y: 2, R: 0}, poses.Poses["rover0"])
}

func TestGetVehiclePosesOnUnknownMapReturnsFalse(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	done := make(chan bool, 1)
	r.GetVehiclePoses("does-not-exist", func(_ wskproto.VehiclePoses, ok bool) { done <- ok })
	require.False(t, <-done)
}

func TestSaveAllMapsSavesEveryLiveMapWithoutError(t *testing.T) {
	r, _, engines := newTestRegistry(t)
	require.NoError(t, r.CreateMap("map0", false))
	require.NoError(t, r.CreateMap("map1", false))

	require.NoError(t, r.SaveAllMaps(1000))

	require.Contains(t, engines["map0"].savedPath, "map0-1000")
	require.Contains(t, engines["map1"].savedPath, "map1-1000")
}

func TestSaveAllMapsAggregatesPerMapErrors(t *testing.T) {
	r, _, engines := newTestRegistry(t)
	require.NoError(t, r.CreateMap("map0", false))
	require.NoError(t, r.CreateMap("map1", false))
	engines["map0"].setSaveError(errors.New("disk full"))

	err := r.SaveAllMaps(2000)
	require.Error(t, err)
	require.Contains(t, err.Error(), "map0")
	require.Contains(t, err.Error(), "disk full")
	require.Contains(t, engines["map1"].savedPath, "map1-2000")
}

func TestSaveAllMapsOnEmptyRegistrySucceeds(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.SaveAllMaps(3000))
}
