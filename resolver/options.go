package resolver

import "net"

// ResolveOptions configures a single Resolve call, mirroring spec.md
// §6's recognized options record.
type ResolveOptions struct {
	PreferIPv6        bool
	RandomizeName     bool
	QNameMinimization bool
	DnssecValidation  bool
	UDPPayloadSize    uint16
	EDNSClientSubnet  *net.IPNet
	Retries           int
	TimeoutMS         int
	Concurrency       int
	MaxStackCount     int
	MaxTotalFrames    int
	MinimalResponse   bool
	AsyncNSResolution bool
}

// DefaultResolveOptions returns the spec's documented defaults.
func DefaultResolveOptions() ResolveOptions {
	return ResolveOptions{
		UDPPayloadSize: 1232,
		Retries:        2,
		TimeoutMS:      2000,
		Concurrency:    2,
		MaxStackCount:  DefaultMaxStackDepth,
		MaxTotalFrames: DefaultMaxTotalFrames,
	}
}

// Validate enforces the boundary conditions spec.md §8 names. A
// violation is a ConfigurationError: raised synchronously, never
// cached.
func (o ResolveOptions) Validate() error {
	if o.UDPPayloadSize < 512 && (o.DnssecValidation || o.EDNSClientSubnet != nil) {
		return &ConfigurationError{Message: "udp_payload_size must be >= 512 when DNSSEC validation or EDNS Client Subnet is enabled"}
	}
	if o.Retries < 0 {
		return &ConfigurationError{Message: "retries must be >= 0"}
	}
	if o.TimeoutMS <= 0 {
		return &ConfigurationError{Message: "timeout_ms must be > 0"}
	}
	if o.Concurrency < 1 {
		return &ConfigurationError{Message: "concurrency must be >= 1"}
	}
	if o.MaxStackCount < 1 {
		return &ConfigurationError{Message: "max_stack_count must be >= 1"}
	}
	return nil
}
