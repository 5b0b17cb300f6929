package peripheral

// Handle is an opaque reference to a remote device as known to the platform stack.
// Its lifetime is owned by the stack; nothing in this package retains one.
type Handle interface {
	Identifier() string
	Name() string
}

// Validator is implemented by handles that can report whether the platform stack
// still considers them alive.
type Validator interface {
	Valid() bool
}

// DelegateSlot is the runtime capability of a handle whose delegate association can be
// changed after construction.
type DelegateSlot interface {
	Delegate() Delegate
	SetDelegate(d Delegate) error
}

// WriteType selects between write requests and write commands
type WriteType int

const (
	WithResponse WriteType = iota
	WithoutResponse
)

func (w WriteType) String() string {
	if w == WithoutResponse {
		return "without-response"
	}
	return "with-response"
}

// Attribute is a GATT attribute. Handle is unique per peripheral for a given kind.
type Attribute interface {
	UUID() string
	Handle() uint16
}

// Service represents a discovered GATT service
type Service interface {
	Attribute
	Primary() bool
	Characteristics() []Characteristic
}

// Characteristic represents a discovered GATT characteristic
type Characteristic interface {
	Attribute
	Service() Service
	Properties() Property
	Value() []byte // Last known value, nil if never read or notified
	Descriptors() []Descriptor
	Notifying() bool
}

// Descriptor represents a discovered GATT descriptor
type Descriptor interface {
	Attribute
	Characteristic() Characteristic
	Value() []byte
}

// Peripheral is the command surface of a platform peripheral handle.
// Commands return immediately; their results are delivered to the bound Delegate.
type Peripheral interface {
	Handle

	Services() []Service
	DiscoverServices(uuids []string)
	DiscoverCharacteristics(uuids []string, svc Service)
	DiscoverDescriptors(chr Characteristic)

	ReadCharacteristic(chr Characteristic)
	ReadDescriptor(dsc Descriptor)
	WriteCharacteristic(data []byte, chr Characteristic, wt WriteType)
	WriteDescriptor(data []byte, dsc Descriptor)
	SetNotify(enabled bool, chr Characteristic)

	ReadRSSI()
	MaximumWriteValueLength(wt WriteType) int
}
