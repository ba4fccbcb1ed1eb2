package models

// Platform identifiers supported by the adapter registry.
const (
	PlatformSignal      = "signal"
	PlatformWhatsApp    = "whatsapp"
	PlatformWhatsAppWeb = "whatsapp_web"
	PlatformMock        = "mock"
)

// KnownPlatforms lists every platform identifier the service accepts.
var KnownPlatforms = []string{PlatformSignal, PlatformWhatsApp, PlatformWhatsAppWeb, PlatformMock}

// IsKnownPlatform reports whether p names a supported platform.
func IsKnownPlatform(p string) bool {
	for _, known := range KnownPlatforms {
		if p == known {
			return true
		}
	}
	return false
}

// Capabilities describes what receipt/presence signals a platform can
// truthfully provide. Conservative: capabilities are only claimed where
// the transport actually emits them.
type Capabilities struct {
	DeliveryReceipts bool `json:"delivery_receipts"`
	ReadReceipts     bool `json:"read_receipts"`
	Presence         bool `json:"presence"`
}

// CapabilitiesFor returns the static capability set for a platform.
func CapabilitiesFor(platform string) Capabilities {
	switch platform {
	case PlatformSignal:
		return Capabilities{DeliveryReceipts: true, ReadReceipts: true}
	case PlatformWhatsApp:
		return Capabilities{DeliveryReceipts: true, ReadReceipts: true}
	case PlatformWhatsAppWeb:
		return Capabilities{DeliveryReceipts: true, Presence: true}
	case PlatformMock:
		return Capabilities{DeliveryReceipts: true}
	default:
		return Capabilities{}
	}
}
