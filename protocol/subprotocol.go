package protocol

// Version identifies the protocol dialect negotiated through the WebSocket
// subprotocol header.
type Version string

const (
	Version16  Version = "1.6"
	Version20  Version = "2.0"
	Version201 Version = "2.0.1"
)

// SupportedSubprotocols lists accepted subprotocols in server preference order.
var SupportedSubprotocols = []string{"ocpp2.0.1", "ocpp2.0", "ocpp1.6"}

var subprotocolVersions = map[string]Version{
	"ocpp1.6":   Version16,
	"ocpp2.0":   Version20,
	"ocpp2.0.1": Version201,
}

// VersionForSubprotocol maps a subprotocol token to its protocol version.
func VersionForSubprotocol(name string) (Version, bool) {
	v, ok := subprotocolVersions[name]
	return v, ok
}

// NegotiateSubprotocol picks the first server-preferred subprotocol offered by
// the client. It returns "" when none match.
func NegotiateSubprotocol(offered []string) string {
	for _, supported := range SupportedSubprotocols {
		for _, o := range offered {
			if o == supported {
				return supported
			}
		}
	}
	return ""
}
