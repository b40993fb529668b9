// Package wskproto defines the application message types exchanged
// over Whisker's transports and persisted in message logs. Every type
// here is serialized with jsoniter rather than hand-rolled binary
// encoding; only the message log framing and the wire envelope (see
// internal/msglog and internal/transport) are fixed-format.
package wskproto

// SensorKind identifies the physical modality of a Sensor.
type SensorKind string

const (
	SensorIMU   SensorKind = "imu"
	SensorLidar SensorKind = "lidar"
)

// Pose2D is a 2D rigid transform: position plus rotation in radians.
type Pose2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	R float64 `json:"r"`
}

// Extrinsic is a sensor's mounting offset relative to the vehicle
// frame, expressed as roll/pitch/yaw in radians plus a translation.
type Extrinsic struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
}

// SensorInit is the frozen init message a sensor client announces on
// connect (and re-announces on every reconnect).
type SensorInit struct {
	ClientID       string     `json:"client_id"`
	VehicleID      string     `json:"vehicle_id"`
	Kind           SensorKind `json:"kind"`
	Extrinsic      Extrinsic  `json:"extrinsic"`
	KeepOutRadius  float64    `json:"keep_out_radius"`
	RateHz         float64    `json:"rate_hz"`
	LidarPoints    int        `json:"lidar_points,omitempty"`
	LidarAngularResDeg float64 `json:"lidar_angular_res_deg,omitempty"`
}

// CapabilityInit is the init message a capability (actuator) client
// announces on connect.
type CapabilityInit struct {
	ClientID     string   `json:"client_id"`
	VehicleID    string   `json:"vehicle_id"`
	Capabilities []string `json:"capabilities"`
}

// Observation is one timestamped sensor reading, carrying either IMU
// or lidar data depending on the owning Sensor's kind.
type Observation struct {
	SensorID        string    `json:"sensor_id"`
	TimestampMillis int64     `json:"timestamp_ms"`
	LinearAccel     [3]float64 `json:"linear_accel,omitempty"`
	AngularVelocity [3]float64 `json:"angular_velocity,omitempty"`
	LidarRangesMM   []uint32  `json:"lidar_ranges_mm,omitempty"`
}

// InvokeCapability is a console request routing an action to every
// client registered for a (vehicle, capability) pair.
type InvokeCapability struct {
	VehicleID  string `json:"vehicle_id"`
	Capability string `json:"capability"`
	Input      string `json:"input"`
}

// AssignVehicleToMap is a console request to attach or move a vehicle
// to a map.
type AssignVehicleToMap struct {
	VehicleID string `json:"vehicle_id"`
	MapID     string `json:"map_id"`
}

// CreateMap is a console request to create a new, empty map.
type CreateMap struct {
	MapID                string `json:"map_id"`
	UseOverlappingTrimmer bool   `json:"use_overlapping_trimmer"`
}

// DeleteMap is a console request to delete a map by id.
type DeleteMap struct {
	MapID string `json:"map_id"`
}

// SaveMap is a console request to serialize a map's SLAM state to the
// resource directory.
type SaveMap struct {
	MapID string `json:"map_id"`
}

// LoadMap is a console request to restore a previously saved map file.
type LoadMap struct {
	MapID                 string `json:"map_id"`
	FileName              string `json:"file_name"`
	Frozen                bool   `json:"frozen"`
	UseOverlappingTrimmer bool   `json:"use_overlapping_trimmer"`
}

// DeleteVehicle is a console request to remove a vehicle and its
// sensors entirely.
type DeleteVehicle struct {
	VehicleID string `json:"vehicle_id"`
}

// StartObservationLog and StopObservationLog toggle per-sensor
// observation logging for a vehicle.
type StartObservationLog struct {
	VehicleID string `json:"vehicle_id"`
}

type StopObservationLog struct {
	VehicleID string `json:"vehicle_id"`
}

// VehicleState is one vehicle's entry in a ServerState message.
type VehicleState struct {
	AssignedMapID *string  `json:"assigned_map_id,omitempty"`
	KeepOutRadius float64  `json:"keep_out_radius"`
	Capabilities  []string `json:"capabilities"`
}

// ServerState is broadcast to every connected console whenever mutable
// state changes, and sent unicast to a console on connect.
type ServerState struct {
	MapIDs   []string                `json:"map_ids"`
	Vehicles map[string]VehicleState `json:"vehicles"`
}

// RequestResourceFiles asks for the current list of saved map files,
// e.g. to populate a console's load-map file picker.
type RequestResourceFiles struct{}

// ResourceFiles lists the saved map files present in the resource
// directory.
type ResourceFiles struct {
	FileNames []string `json:"file_names"`
}

// RequestMapData asks for the current map-data message, given the
// console's last-known version.
type RequestMapData struct {
	MapID      string `json:"map_id"`
	HaveVersion uint64 `json:"have_version"`
}

// Submap is one rendered submap's metadata within a MapData message.
type Submap struct {
	TrajectoryID int    `json:"trajectory_id"`
	Index        int    `json:"index"`
	GlobalPose   *Pose2D `json:"global_pose,omitempty"`
}

// MapData is the response to RequestMapData.
type MapData struct {
	MapID           string   `json:"map_id"`
	Version         uint64   `json:"version"`
	IsNewMapVersion bool     `json:"is_new_map_version"`
	Submaps         []Submap `json:"submaps"`
}

// RequestSubmapTexture asks for one submap's rendered PNG texture.
type RequestSubmapTexture struct {
	MapID        string `json:"map_id"`
	TrajectoryID int    `json:"trajectory_id"`
	Index        int    `json:"index"`
}

// SubmapTexture is the response to RequestSubmapTexture: a
// grayscale PNG plus the pose needed to place it in the global frame.
type SubmapTexture struct {
	MapID        string `json:"map_id"`
	TrajectoryID int    `json:"trajectory_id"`
	Index        int    `json:"index"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Resolution   float64 `json:"resolution"`
	SubmapPose   Pose2D  `json:"submap_pose"`
	PNG          []byte  `json:"png"`
}

// RequestVehiclePoses asks for the current global pose of every
// vehicle assigned to a map.
type RequestVehiclePoses struct {
	MapID string `json:"map_id"`
}

// VehiclePoses is the response to RequestVehiclePoses.
type VehiclePoses struct {
	MapID  string            `json:"map_id"`
	Poses  map[string]Pose2D `json:"poses"`
}

// RequestObservation solicits the next observation from a sensor
// client. Force re-requests even if one is already outstanding.
type RequestObservation struct {
	Force bool `json:"force"`
}

// Message type names used as the envelope discriminator by
// internal/transport. Every sender and every registered handler in the
// module agrees on these strings.
const (
	TypeSensorInit           = "sensor_init"
	TypeCapabilityInit       = "capability_init"
	TypeObservation          = "observation"
	TypeRequestObservation   = "request_observation"
	TypeInvokeCapability     = "invoke_capability"
	TypeAssignVehicleToMap   = "assign_vehicle_to_map"
	TypeCreateMap            = "create_map"
	TypeDeleteMap            = "delete_map"
	TypeSaveMap              = "save_map"
	TypeLoadMap              = "load_map"
	TypeDeleteVehicle        = "delete_vehicle"
	TypeStartObservationLog  = "start_observation_log"
	TypeStopObservationLog   = "stop_observation_log"
	TypeServerState          = "server_state"
	TypeRequestResourceFiles = "request_resource_files"
	TypeResourceFiles        = "resource_files"
	TypeRequestMapData       = "request_map_data"
	TypeMapData              = "map_data"
	TypeRequestSubmapTexture = "request_submap_texture"
	TypeSubmapTexture        = "submap_texture"
	TypeRequestVehiclePoses  = "request_vehicle_poses"
	TypeVehiclePoses         = "vehicle_poses"
)
