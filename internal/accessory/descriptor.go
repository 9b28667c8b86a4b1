package accessory

import (
	"sort"
	"strings"
)

// Protocol identifiers advertised by an authenticated Tactivo.
const (
	ProtocolSmartCard   = "com.precisebiometrics.tactivo.smartcard"
	ProtocolFingerprint = "com.precisebiometrics.tactivo.sensor"
)

// Descriptor is an immutable snapshot of a recognized accessory.
//
// The zero value represents "no accessory".
type Descriptor struct {
	id               string
	modelNumber      string
	hardwareRevision string
	protocols        map[string]struct{}
}

// NewDescriptor creates a descriptor from the values reported by the platform.
// The protocol list is copied; duplicates and empty strings are dropped.
func NewDescriptor(id, modelNumber, hardwareRevision string, protocols ...string) Descriptor {
	d := Descriptor{
		id:               id,
		modelNumber:      modelNumber,
		hardwareRevision: hardwareRevision,
	}
	for _, p := range protocols {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if d.protocols == nil {
			d.protocols = make(map[string]struct{}, len(protocols))
		}
		d.protocols[p] = struct{}{}
	}
	return d
}

// ID returns the opaque session identifier.
func (d Descriptor) ID() string { return d.id }

// ModelNumber returns the model number string.
func (d Descriptor) ModelNumber() string { return d.modelNumber }

// HardwareRevision returns the hardware revision string.
func (d Descriptor) HardwareRevision() string { return d.hardwareRevision }

// SupportedProtocols returns the protocol identifiers in sorted order.
func (d Descriptor) SupportedProtocols() []string {
	out := make([]string, 0, len(d.protocols))
	for p := range d.protocols {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Supports reports whether the accessory advertises the given protocol.
func (d Descriptor) Supports(protocol string) bool {
	_, ok := d.protocols[protocol]
	return ok
}

// IsAuthenticated reports whether the platform has exposed the accessory's
// protocol strings. Before authentication completes the set is empty.
func (d Descriptor) IsAuthenticated() bool {
	return len(d.protocols) > 0
}

// HasSmartCardReader reports whether the accessory features a contact smart card reader.
func (d Descriptor) HasSmartCardReader() bool {
	return d.Supports(ProtocolSmartCard)
}

// HasFingerprintSensor reports whether the accessory features a fingerprint sensor.
func (d Descriptor) HasFingerprintSensor() bool {
	return d.Supports(ProtocolFingerprint)
}

// IsZero reports whether d is the zero descriptor.
func (d Descriptor) IsZero() bool {
	return d.id == "" && d.modelNumber == "" && d.hardwareRevision == "" && len(d.protocols) == 0
}

// Validate rejects descriptors that cannot be tracked.
func (d Descriptor) Validate() error {
	if d.id == "" {
		return &MalformedEventError{Kind: RawAttach, Reason: "missing accessory id"}
	}
	return nil
}

// String renders the descriptor for logs.
func (d Descriptor) String() string {
	if d.IsZero() {
		return "<none>"
	}
	var b strings.Builder
	b.WriteString(d.id)
	if d.modelNumber != "" {
		b.WriteString(" model=")
		b.WriteString(d.modelNumber)
	}
	if d.hardwareRevision != "" {
		b.WriteString(" rev=")
		b.WriteString(d.hardwareRevision)
	}
	if len(d.protocols) > 0 {
		b.WriteString(" protocols=[")
		b.WriteString(strings.Join(d.SupportedProtocols(), ","))
		b.WriteString("]")
	}
	return b.String()
}

// Equal reports whether two descriptors carry the same identity and capabilities.
func (d Descriptor) Equal(other Descriptor) bool {
	if d.id != other.id || d.modelNumber != other.modelNumber || d.hardwareRevision != other.hardwareRevision {
		return false
	}
	if len(d.protocols) != len(other.protocols) {
		return false
	}
	for p := range d.protocols {
		if _, ok := other.protocols[p]; !ok {
			return false
		}
	}
	return true
}

// Info is the serializable form of a descriptor, used by replay scripts and JSON output.
type Info struct {
	ID               string   `json:"id" yaml:"id"`
	ModelNumber      string   `json:"model_number,omitempty" yaml:"model_number,omitempty"`
	HardwareRevision string   `json:"hardware_revision,omitempty" yaml:"hardware_revision,omitempty"`
	Protocols        []string `json:"protocols,omitempty" yaml:"protocols,omitempty"`
}

// Descriptor converts the info into an immutable descriptor.
func (i Info) Descriptor() Descriptor {
	return NewDescriptor(i.ID, i.ModelNumber, i.HardwareRevision, i.Protocols...)
}

// Info returns the serializable form of d.
func (d Descriptor) Info() Info {
	info := Info{
		ID:               d.id,
		ModelNumber:      d.modelNumber,
		HardwareRevision: d.hardwareRevision,
	}
	if len(d.protocols) > 0 {
		info.Protocols = d.SupportedProtocols()
	}
	return info
}
