package peripheral

// Delegate is the capability set an object must implement to receive peripheral
// callbacks. Backends call these methods from their own event goroutine.
type Delegate interface {
	DidDiscoverServices(p Peripheral, err error)
	DidDiscoverCharacteristics(p Peripheral, svc Service, err error)
	DidDiscoverDescriptors(p Peripheral, chr Characteristic, err error)

	// DidUpdateValueForCharacteristic reports both read responses and notifications;
	// the platform does not tell them apart.
	DidUpdateValueForCharacteristic(p Peripheral, chr Characteristic, value []byte, err error)
	DidUpdateValueForDescriptor(p Peripheral, dsc Descriptor, value []byte, err error)
	DidWriteValueForCharacteristic(p Peripheral, chr Characteristic, err error)
	DidWriteValueForDescriptor(p Peripheral, dsc Descriptor, err error)
	DidUpdateNotificationState(p Peripheral, chr Characteristic, err error)

	DidReadRSSI(p Peripheral, rssi int, err error)
	DidUpdateName(p Peripheral)
	DidModifyServices(p Peripheral, invalidated []Service)
	IsReadyToSendWriteWithoutResponse(p Peripheral)
}

// DelegateBase implements Delegate with no-ops. Embed it to override a subset.
type DelegateBase struct{}

func (DelegateBase) DidDiscoverServices(Peripheral, error) {}
func (DelegateBase) DidDiscoverCharacteristics(Peripheral, Service, error) {}
func (DelegateBase) DidDiscoverDescriptors(Peripheral, Characteristic, error) {}
func (DelegateBase) DidUpdateValueForCharacteristic(Peripheral, Characteristic, []byte, error) {}
func (DelegateBase) DidUpdateValueForDescriptor(Peripheral, Descriptor, []byte, error) {}
func (DelegateBase) DidWriteValueForCharacteristic(Peripheral, Characteristic, error) {}
func (DelegateBase) DidWriteValueForDescriptor(Peripheral, Descriptor, error) {}
func (DelegateBase) DidUpdateNotificationState(Peripheral, Characteristic, error) {}
func (DelegateBase) DidReadRSSI(Peripheral, int, error) {}
func (DelegateBase) DidUpdateName(Peripheral) {}
func (DelegateBase) DidModifyServices(Peripheral, []Service) {}
func (DelegateBase) IsReadyToSendWriteWithoutResponse(Peripheral) {}
