package vmm

// Device types accepted in the machine configuration.
const (
	DeviceDisplay = "display"
	DeviceAudio   = "audio"
	DeviceInput   = "input"
)

// Config is everything needed to boot one guest.
type Config struct {
	// Dev is the hypervisor device path.
	Dev        string
	MemSize    int
	NCPUs      int
	TraceCount int
	// TrapFatal kills the guest on an access outside any device window;
	// the default injects a no-op.
	TrapFatal bool

	Devices []DeviceConfig
	VNC     VNCConfig
	Metrics MetricsConfig
}

// DeviceConfig is one device backend to attach. Width, Height and Socket
// only apply to the device types that use them.
type DeviceConfig struct {
	Type   string
	Width  int
	Height int
	Socket string
}

// VNCConfig configures the remote display service. An empty Listen
// disables it.
type VNCConfig struct {
	Listen        string
	Mechanisms    []string
	AuthThreshold int
	Users         []UserConfig
}

type UserConfig struct {
	Name     string
	Password string
}

// MetricsConfig configures the prometheus endpoint. An empty Listen
// disables it.
type MetricsConfig struct {
	Listen string
}
