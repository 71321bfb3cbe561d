package schema

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/heitortanoue/slidesync/pkg/object"
)

// Kind enumerates the replicable components of a shared object.
type Kind int

const (
	KindUnknown Kind = iota
	KindPosition
	KindRotation
	KindScale
	KindMediaLoader
	KindMediaVideo
	KindMediaPDF
	KindMediaPager
	KindPinnable
	KindSlideCounter
)

var kindNames = map[Kind]string{
	KindPosition:     "position",
	KindRotation:     "rotation",
	KindScale:        "scale",
	KindMediaLoader:  "media-loader",
	KindMediaVideo:   "media-video",
	KindMediaPDF:     "media-pdf",
	KindMediaPager:   "media-pager",
	KindPinnable:     "pinnable",
	KindSlideCounter: "slide-counter",
}

// valueType is the shape of the value a property carries.
type valueType int

const (
	vectorType valueType = iota
	numberType
	flagType
	textType
)

// subKeys lists the accepted sub keys per kind and the value each one carries.
var subKeys = map[Kind]map[string]valueType{
	KindPosition:     {"": vectorType},
	KindRotation:     {"": vectorType},
	KindScale:        {"": vectorType},
	KindMediaLoader:  {"": textType, "src": textType},
	KindMediaVideo:   {"time": numberType, "videoPaused": flagType},
	KindMediaPDF:     {"index": numberType},
	KindMediaPager:   {"index": numberType},
	KindPinnable:     {"": flagType, "pinned": flagType},
	KindSlideCounter: {"index": numberType},
}

// aliases are sub keys naming the same field as the bare component.
var aliases = map[Kind]string{
	KindMediaLoader: "src",
	KindPinnable:    "pinned",
}

// maxIndex bounds index values so they convert to int on every platform.
const maxIndex = math.MaxInt32

var (
	// ErrUnknownKind is returned for a component name outside the known set.
	ErrUnknownKind = errors.New("unknown property kind")
	// ErrUnknownSubKey is returned for a sub key the kind does not have.
	ErrUnknownSubKey = errors.New("unknown property sub key")
	// ErrValueType is returned when writing a value of the wrong shape.
	ErrValueType = errors.New("value type does not match property")
)

// String returns the component name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind resolves a component name.
func ParseKind(name string) (Kind, error) {
	for kind, n := range kindNames {
		if n == name {
			return kind, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	kind, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Property describes one replicated property: a component kind plus an
// optional sub key. Epsilon is the change threshold for numeric values;
// zero means any change is replicated.
type Property struct {
	Kind    Kind    `json:"kind" mapstructure:"kind"`
	Sub     string  `json:"sub,omitempty" mapstructure:"sub"`
	Epsilon float64 `json:"epsilon,omitempty" mapstructure:"epsilon"`
}

// P builds a property without a change threshold.
func P(kind Kind, sub string) Property {
	return Property{Kind: kind, Sub: sub}
}

// Key returns the property identity, e.g. "media-video.time".
func (p Property) Key() string {
	if p.Sub == "" {
		return p.Kind.String()
	}
	return p.Kind.String() + "." + p.Sub
}

// Canonical returns the property with an alias sub key folded into the bare
// component, so two spellings of one field compare equal.
func (p Property) Canonical() Property {
	if alias, ok := aliases[p.Kind]; ok && p.Sub == alias {
		p.Sub = ""
	}
	return p
}

// ParseKey parses "component" or "component.sub" into a canonical property.
func ParseKey(key string) (Property, error) {
	name, sub, _ := strings.Cut(key, ".")
	kind, err := ParseKind(name)
	if err != nil {
		return Property{}, err
	}
	p := Property{Kind: kind, Sub: sub}
	if err := p.Validate(); err != nil {
		return Property{}, err
	}
	return p.Canonical(), nil
}

// Validate checks the kind, the sub key and the epsilon.
func (p Property) Validate() error {
	subs, ok := subKeys[p.Kind]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(p.Kind))
	}
	if _, ok := subs[p.Sub]; !ok {
		return fmt.Errorf("%w: %q on %s", ErrUnknownSubKey, p.Sub, p.Kind)
	}
	if p.Epsilon < 0 || math.IsNaN(p.Epsilon) {
		return fmt.Errorf("negative epsilon on %s", p.Key())
	}
	return nil
}

// Read samples the property from an object.
func (p Property) Read(obj *object.SharedObject) (object.Value, error) {
	switch p.Kind {
	case KindPosition:
		return object.VectorValue(obj.Transform.Position), nil
	case KindRotation:
		return object.VectorValue(obj.Transform.Rotation), nil
	case KindScale:
		return object.VectorValue(obj.Transform.Scale), nil
	case KindMediaLoader:
		return object.TextValue(obj.Media.Src), nil
	case KindMediaVideo:
		if p.Sub == "videoPaused" {
			return object.FlagValue(obj.Video.Paused), nil
		}
		return object.NumberValue(obj.Video.Time), nil
	case KindMediaPDF:
		return object.NumberValue(float64(obj.PDF.Index)), nil
	case KindMediaPager:
		return object.NumberValue(float64(obj.Pager.Index)), nil
	case KindPinnable:
		return object.FlagValue(obj.Pinned), nil
	case KindSlideCounter:
		return object.NumberValue(float64(obj.App.SlideIndex)), nil
	}
	return object.Value{}, fmt.Errorf("%w: %d", ErrUnknownKind, int(p.Kind))
}

// Write stores a replicated value into an object.
func (p Property) Write(obj *object.SharedObject, v object.Value) error {
	if err := p.checkValue(v); err != nil {
		return err
	}

	switch p.Kind {
	case KindPosition:
		obj.Transform.Position = *v.Vector
	case KindRotation:
		obj.Transform.Rotation = *v.Vector
	case KindScale:
		obj.Transform.Scale = *v.Vector
	case KindMediaLoader:
		obj.Media.Src = *v.Text
	case KindMediaVideo:
		if p.Sub == "videoPaused" {
			obj.Video.Paused = *v.Flag
		} else {
			obj.Video.Time = *v.Number
		}
	case KindMediaPDF:
		obj.PDF.Index = int(*v.Number)
	case KindMediaPager:
		obj.Pager.Index = int(*v.Number)
	case KindPinnable:
		obj.Pinned = *v.Flag
	case KindSlideCounter:
		obj.App.SlideIndex = int(*v.Number)
	}
	return nil
}

func (p Property) checkValue(v object.Value) error {
	subs, ok := subKeys[p.Kind]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(p.Kind))
	}
	want, ok := subs[p.Sub]
	if !ok {
		return fmt.Errorf("%w: %q on %s", ErrUnknownSubKey, p.Sub, p.Kind)
	}

	var match bool
	switch want {
	case vectorType:
		match = v.Vector != nil
	case numberType:
		match = v.Number != nil && !math.IsNaN(*v.Number)
	case flagType:
		match = v.Flag != nil
	case textType:
		match = v.Text != nil
	}
	if !match {
		return fmt.Errorf("%w: %s", ErrValueType, p.Key())
	}

	// index properties hold non-negative integers
	if want == numberType && p.Sub == "index" {
		n := *v.Number
		if n < 0 || n > maxIndex || n != math.Trunc(n) {
			return fmt.Errorf("%w: %s must be an integer in [0, %d]", ErrValueType, p.Key(), maxIndex)
		}
	}
	return nil
}
