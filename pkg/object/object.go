package object

import (
	"math"
)

// Vec3 is a 3-component real vector used by the transform.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Splat returns a vector with all components set to s.
func Splat(s float64) Vec3 {
	return Vec3{X: s, Y: s, Z: s}
}

// Components returns the vector as a sample slice for change detection.
func (v Vec3) Components() []float64 {
	return []float64{v.X, v.Y, v.Z}
}

// AlmostEqual reports whether every component differs by less than epsilon.
func (v Vec3) AlmostEqual(o Vec3, epsilon float64) bool {
	return math.Abs(v.X-o.X) < epsilon &&
		math.Abs(v.Y-o.Y) < epsilon &&
		math.Abs(v.Z-o.Z) < epsilon
}

// Transform holds position, rotation and scale of a shared object.
type Transform struct {
	Position Vec3 `json:"position"`
	Rotation Vec3 `json:"rotation"`
	Scale    Vec3 `json:"scale"`
}

// Media is the media-loader component (the external content reference).
type Media struct {
	Src string `json:"src"`
}

// Video is the media-video component.
type Video struct {
	Time   float64 `json:"time"`
	Paused bool    `json:"paused"`
}

// PDFView is the media-pdf component.
type PDFView struct {
	Index int `json:"index"`
}

// Pager is the media-pager component.
type Pager struct {
	Index int `json:"index"`
}

// AppState is the application state carried by the slideshow objects.
type AppState struct {
	SlideIndex int `json:"slide_index"`
}

// SharedObject is one networked object of the session.
//
// The owner and the ownership epoch are unexported: they only change through
// Store.Transfer, which is driven by the ownership protocol.
type SharedObject struct {
	ID        string    `json:"id"`
	NetworkID string    `json:"network_id,omitempty"`
	Template  string    `json:"template"`
	Transform Transform `json:"transform"`
	Media     Media     `json:"media"`
	Video     Video     `json:"video"`
	PDF       PDFView   `json:"pdf"`
	Pager     Pager     `json:"pager"`
	Pinned    bool      `json:"pinned"`
	App       AppState  `json:"app"`

	owner string
	epoch uint64
}

// New creates an unowned, not yet networked object of the given template.
func New(id, template string) *SharedObject {
	return &SharedObject{
		ID:       id,
		Template: template,
		Transform: Transform{
			Scale: Splat(1),
		},
	}
}

// OwnerID returns the owning participant, or "" when unowned.
func (o *SharedObject) OwnerID() string {
	return o.owner
}

// Epoch returns the ownership epoch; it grows by one on every ownership change.
func (o *SharedObject) Epoch() uint64 {
	return o.epoch
}

// Networked reports whether the object's network identity has resolved.
func (o *SharedObject) Networked() bool {
	return o.NetworkID != ""
}

// Snapshot is the serializable form of a SharedObject, owner included.
type Snapshot struct {
	ID        string    `json:"id"`
	NetworkID string    `json:"network_id,omitempty"`
	Template  string    `json:"template"`
	Owner     string    `json:"owner,omitempty"`
	Epoch     uint64    `json:"epoch"`
	Transform Transform `json:"transform"`
	Media     Media     `json:"media"`
	Video     Video     `json:"video"`
	PDF       PDFView   `json:"pdf"`
	Pager     Pager     `json:"pager"`
	Pinned    bool      `json:"pinned"`
	App       AppState  `json:"app"`
}

// Snapshot copies the object into its serializable form.
func (o *SharedObject) Snapshot() Snapshot {
	return Snapshot{
		ID:        o.ID,
		NetworkID: o.NetworkID,
		Template:  o.Template,
		Owner:     o.owner,
		Epoch:     o.epoch,
		Transform: o.Transform,
		Media:     o.Media,
		Video:     o.Video,
		PDF:       o.PDF,
		Pager:     o.Pager,
		Pinned:    o.Pinned,
		App:       o.App,
	}
}

// FromSnapshot rebuilds an object from a snapshot received from a peer or the store.
func FromSnapshot(s Snapshot) *SharedObject {
	return &SharedObject{
		ID:        s.ID,
		NetworkID: s.NetworkID,
		Template:  s.Template,
		Transform: s.Transform,
		Media:     s.Media,
		Video:     s.Video,
		PDF:       s.PDF,
		Pager:     s.Pager,
		Pinned:    s.Pinned,
		App:       s.App,
		owner:     s.Owner,
		epoch:     s.Epoch,
	}
}
