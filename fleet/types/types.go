// Package types defines the documents stored in the replicated KV and the
// payloads exchanged on the message bus. The wire format is plain JSON so
// every service, and any external observer, reads the same shapes.
package types

// Well-known KV keys.
const (
	ZonesConfigKey     = "zones_config"
	DeliveriesIndexKey = "deliveries_index"
	DronesIndexKey     = "drones_index"
)

// Delivery statuses, a monotone lattice. CAS preconditions keep every
// transition moving forward only.
const (
	DeliveryPending   = "pending"
	DeliveryAssigned  = "assigned"
	DeliveryInFlight  = "in_flight"
	DeliveryDelivered = "delivered"
)

// Delivery legs.
const (
	LegToOrigin      = "to_origin"
	LegToDestination = "to_destination"
)

// Drone statuses.
const (
	DroneInactive = "inactive"
	DroneIdle     = "idle"
	DroneBusy     = "busy"
	DroneCharging = "charging"
	DroneRetiring = "retiring"
)

// Drone weight classes.
const (
	ClassLight  = "light"
	ClassMedium = "medium"
	ClassHeavy  = "heavy"
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Delivery is the document stored under delivery:{id}.
type Delivery struct {
	ID              string  `json:"id"`
	Origin          Point   `json:"origin"`
	Destination     Point   `json:"destination"`
	Weight          float64 `json:"weight"`
	Status          string  `json:"status"`
	DroneID         *string `json:"drone_id"`
	Leg             *string `json:"leg"`
	OriginZone      string  `json:"origin_zone"`
	DestinationZone string  `json:"destination_zone"`
	Timestamp       float64 `json:"timestamp"`
}

// Drone is the document stored under drone:{id}. The dispatcher owns the
// control fields (Status, CurrentDelivery, FeasMiss*); the simulator owns
// the telemetry fields (Pos, Battery, AtCharge).
type Drone struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	Speed           float64  `json:"speed"`
	Status          string   `json:"status"`
	Battery         float64  `json:"battery"`
	Pos             *Point   `json:"pos"`
	AtCharge        bool     `json:"at_charge"`
	CurrentDelivery *string  `json:"current_delivery"`
	FeasMiss        int      `json:"feas_miss"`
	FeasMissSet     []string `json:"feas_miss_set"`
	FreezeUntil     float64  `json:"freeze_until,omitempty"`
}

// Bounds is a zone's lat/lon rectangle.
type Bounds struct {
	MinLat float64 `json:"lat_min"`
	MaxLat float64 `json:"lat_max"`
	MinLon float64 `json:"lon_min"`
	MaxLon float64 `json:"lon_max"`
}

// Zone is one grid cell of the spatial partition.
type Zone struct {
	Name      string   `json:"name"`
	Row       int      `json:"row"`
	Col       int      `json:"col"`
	Bounds    Bounds   `json:"bounds"`
	Charge    Point    `json:"charge"`
	Neighbors []string `json:"neighbors"`
}

// ZonesConfig is the document stored under zones_config. Written once by
// the gateway and immutable afterward.
type ZonesConfig struct {
	Rows  int    `json:"rows"`
	Cols  int    `json:"cols"`
	Zones []Zone `json:"zones"`
}

// DeliveryRequest travels on the delivery_requests queue.
type DeliveryRequest struct {
	DeliveryID  string  `json:"delivery_id"`
	Origin      Point   `json:"origin"`
	Destination Point   `json:"destination"`
	Weight      float64 `json:"weight"`
}

// DroneUpdate travels on the drone_updates queue.
type DroneUpdate struct {
	Type            string  `json:"type"`
	DroneID         string  `json:"drone_id"`
	Pos             *Point  `json:"pos"`
	Battery         float64 `json:"battery"`
	Status          string  `json:"status"`
	CurrentDelivery *string `json:"current_delivery"`
	AtCharge        bool    `json:"at_charge"`
}

// DeliveryStatusEvent travels on the delivery_status queue.
type DeliveryStatusEvent struct {
	Type       string `json:"type"`
	DeliveryID string `json:"delivery_id"`
	DroneID    string `json:"drone_id"`
}

// DeliveryKey returns the KV key for a delivery document.
func DeliveryKey(id string) string { return "delivery:" + id }

// DroneKey returns the KV key for a drone document.
func DroneKey(id string) string { return "drone:" + id }

// IdemKey returns the KV key anchoring a client idempotency key.
func IdemKey(key string) string { return "idem:" + key }

// WeightClass maps a parcel weight in kg onto the drone class able to
// carry it. Light handles up to 3 kg, medium up to 7, heavy the rest.
func WeightClass(weight float64) string {
	switch {
	case weight <= 3:
		return ClassLight
	case weight <= 7:
		return ClassMedium
	default:
		return ClassHeavy
	}
}

// StrPtr is a convenience for the nullable string fields above.
func StrPtr(s string) *string { return &s }
