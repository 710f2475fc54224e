package relay

// DefaultReadBufferBytes matches the receive buffer of existing peers. A
// datagram larger than this is truncated by the socket and fails decode.
const DefaultReadBufferBytes = 1024

const DefaultMaxTrackedSources = 4096

type Config struct {
	ReadBufferBytes int

	// IgnoreEmptyDatagrams disables the zero-length shutdown sentinel. Empty
	// datagrams are then dropped like any other malformed input.
	IgnoreEmptyDatagrams bool

	// MaxPPSPerSource limits inbound datagrams per source endpoint. A value
	// <= 0 disables limiting.
	MaxPPSPerSource int
	// MaxTrackedSources bounds how many per-source limiters are kept. Least
	// recently seen sources are evicted first.
	MaxTrackedSources int
}

func DefaultConfig() Config {
	return Config{
		ReadBufferBytes:   DefaultReadBufferBytes,
		MaxTrackedSources: DefaultMaxTrackedSources,
	}
}

// WithDefaults returns c with any zero/invalid fields replaced with sensible
// defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = d.ReadBufferBytes
	}
	if c.MaxTrackedSources <= 0 {
		c.MaxTrackedSources = d.MaxTrackedSources
	}
	if c.MaxPPSPerSource < 0 {
		c.MaxPPSPerSource = 0
	}
	return c
}
