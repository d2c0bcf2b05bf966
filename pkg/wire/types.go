package wire

// Message types understood by both ends
const (
	TypeHello            = "hello"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeEcho             = "echo"
	TypeTick             = "tick"
	TypeError            = "error"
	TypeDrop             = "drop"
	TypeIdentityRegister = "identity.register"
	TypeIdentityLogin    = "identity.login"
)

// HelloRequest opens a session
type HelloRequest struct {
	ClientVersion string `json:"clientVersion"`
	Fingerprint   string `json:"fingerprint,omitempty"`
}

// HelloResponse carries the peer's protocol version
type HelloResponse struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerTime      int64  `json:"serverTime"`
}

// PingResponse answers a ping
type PingResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// Credentials identify a registered instance
type Credentials struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// RegisterRequest asks the peer for new credentials
type RegisterRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// LoginResponse confirms a login
type LoginResponse struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
}

// TickEvent is broadcast periodically by the peer
type TickEvent struct {
	Seq       int64 `json:"seq"`
	Timestamp int64 `json:"timestamp"`
}
