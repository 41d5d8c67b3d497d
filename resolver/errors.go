package resolver

import (
	"fmt"

	"github.com/miekg/dns"
)

// ValidationError is a DNS resolution failure that carries an Extended
// DNS Error (RFC 8914) code alongside the underlying cause.
type ValidationError struct {
	Code    uint16
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// EDECode returns the EDE code to attach to a synthesized response.
func (e *ValidationError) EDECode() uint16 { return e.Code }

// WithContext returns a copy of e with additional context appended to
// its message.
func (e *ValidationError) WithContext(format string, args ...any) *ValidationError {
	return &ValidationError{
		Code:    e.Code,
		Message: fmt.Sprintf(e.Message+" - "+format, args...),
		Err:     e.Err,
	}
}

// ConfigurationError is raised synchronously for invalid ResolveOptions.
// It is never cached and never carried as a DNS response.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// DNSSEC chain-of-trust errors.
var (
	errNoDNSKEY = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSKEYMissing,
		Message: "no DNSKEY records found in response",
	}
	errMissingKSK = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSKEYMissing,
		Message: "no KSK DNSKEY matches DS records from parent",
	}
	errFailedToConvertKSK = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSBogus,
		Message: "unable to validate DNSKEY against parent DS record",
	}
	errMismatchingDS = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSBogus,
		Message: "DNSKEY does not match DS record from parent zone",
	}
	errNoSignatures = &ValidationError{
		Code:    dns.ExtendedErrorCodeRRSIGsMissing,
		Message: "response is missing required RRSIG records",
	}
	errMissingDNSKEY = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSKEYMissing,
		Message: "no DNSKEY found to validate RRSIG",
	}
	errInvalidSignaturePeriod = &ValidationError{
		Code:    dns.ExtendedErrorCodeSignatureExpired,
		Message: "RRSIG validity period check failed",
	}
	errMissingSigned = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSBogus,
		Message: "RRsets covered by RRSIG are missing",
	}
	errDSRecords = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSBogus,
		Message: "parent has DS records but zone appears unsigned",
	}
)

// NSEC/NSEC3 authenticated denial-of-existence errors.
var (
	errNSECTypeExists = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSBogus,
		Message: "NSEC record indicates queried type exists",
	}
	errNSECMissingCoverage = &ValidationError{
		Code:    dns.ExtendedErrorCodeNSECMissing,
		Message: "incomplete NSEC proof for name non-existence",
	}
	errNSECBadDelegation = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSBogus,
		Message: "invalid NSEC type bitmap for delegation",
	}
	errNSECNSMissing = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSBogus,
		Message: "NSEC missing NS bit at delegation point",
	}
	errNSECOptOut = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSBogus,
		Message: "NSEC3 opt-out validation failed",
	}
)

// Network, authority and resource-bound errors.
var (
	errMaxDepth = &ValidationError{
		Code:    dns.ExtendedErrorCodeOther,
		Message: "maximum recursion depth exceeded",
	}
	errParentDetection = &ValidationError{
		Code:    dns.ExtendedErrorCodeOther,
		Message: "delegation loop detected",
	}
	errNoReachableAuth = &ValidationError{
		Code:    dns.ExtendedErrorCodeNoReachableAuthority,
		Message: "no reachable authoritative servers",
	}
	errStackLimitExceeded = &ValidationError{
		Code:    dns.ExtendedErrorCodeNoReachableAuthority,
		Message: "recursion stack limit reached",
	}
	// ErrCancelled propagates unmodified and is never cached.
	ErrCancelled = &ValidationError{
		Code:    dns.ExtendedErrorCodeOther,
		Message: "query cancelled",
	}
)

// newNetworkError wraps a transport failure with EDE NetworkError.
func newNetworkError(err error) *ValidationError {
	return &ValidationError{
		Code:    dns.ExtendedErrorCodeNetworkError,
		Message: "network error",
		Err:     err,
	}
}

// newDispatchError classifies a transport failure by its
// DispatchFailureKind into the EDE code spec.md §4.11's decision table
// requires: Timeout and NoResponse are authority-reachability problems
// (NoReachableAuthority), a plain network failure keeps NetworkError,
// and a protocol-level failure (malformed wire data) falls to Other.
func newDispatchError(kind DispatchFailureKind, err error) *ValidationError {
	switch kind {
	case DispatchTimeout, DispatchNoResponse:
		return &ValidationError{
			Code:    dns.ExtendedErrorCodeNoReachableAuthority,
			Message: "no reachable authoritative servers",
			Err:     err,
		}
	case DispatchProtocolError:
		return &ValidationError{
			Code:    dns.ExtendedErrorCodeOther,
			Message: "malformed response from authoritative server",
			Err:     err,
		}
	default:
		return newNetworkError(err)
	}
}

// newNoReachableAuthorityError builds a NoReachableAuthority EDE error
// with the given diagnostic message.
func newNoReachableAuthorityError(message string) *ValidationError {
	return &ValidationError{
		Code:    dns.ExtendedErrorCodeNoReachableAuthority,
		Message: message,
	}
}

func noReachableAuthAtZone(zone string) *ValidationError {
	return newNoReachableAuthorityError(fmt.Sprintf("no response at %s", zone))
}

func stackLimitForQuestion(q dns.Question) *ValidationError {
	return errStackLimitExceeded.WithContext("recursion stack limit reached for %s", formatQuestion(q))
}
