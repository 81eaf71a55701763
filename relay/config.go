package relay

// Limits bundles the two hard numeric caps a relay can enforce.
type Limits struct {
	// ServerConnections caps relay peers per info-hash digest. 0 = unlimited.
	ServerConnections int
	// ClientConnections caps total concurrent /signal clients. 0 = unlimited.
	ClientConnections int
}

// Config holds everything a relay needs to bind, subscribe, and run.
type Config struct {
	Host   string // required: bind address, half of Address
	Port   int    // default 10509
	Server string // listen interface, default "0.0.0.0"
	Domain string // public hostname used in Web

	Hashes []string // required, non-empty: subscribed info-hashes

	Limit Limits

	Init  bool // auto-start on construction, default true
	Relay bool // also start the DHT listener, default false
	Dev   bool // verbose logging sink, default false
}

// DefaultConfig returns a Config with every documented default applied;
// callers still must set Host and Hashes.
func DefaultConfig() Config {
	return Config{
		Port:   10509,
		Server: "0.0.0.0",
		Init:   true,
		Relay:  false,
		Dev:    false,
	}
}
