// Package keys provides key encoding/decoding for the metadata keyspace.
//
// Sweep checkpoints are stored at:
//
//	/reconcile/v1/sweeps/<sweepName>
//
// and the last archived report of each kind at:
//
//	/reconcile/v1/reports/<kind>/latest
package keys

import (
	"errors"
	"strings"
)

// Key prefixes.
const (
	// Prefix is the root prefix for all reconciliation keys.
	Prefix = "/reconcile/v1"

	// SweepsPrefix is the prefix for sweep checkpoints.
	// Format: /reconcile/v1/sweeps/<sweepName>
	SweepsPrefix = Prefix + "/sweeps"

	// ReportsPrefix is the prefix for report pointers.
	// Format: /reconcile/v1/reports/<kind>/latest
	ReportsPrefix = Prefix + "/reports"
)

// Common errors.
var (
	// ErrInvalidKey is returned when a key cannot be parsed.
	ErrInvalidKey = errors.New("keys: invalid key format")

	// ErrInvalidName is returned when a name component is empty or
	// contains a slash.
	ErrInvalidName = errors.New("keys: invalid name")
)

// ValidateName checks that name can be used as a single key component.
func ValidateName(name string) error {
	if name == "" || strings.Contains(name, "/") {
		return ErrInvalidName
	}
	return nil
}

// SweepKeyPath returns the checkpoint key of a sweep.
func SweepKeyPath(name string) string {
	return SweepsPrefix + "/" + name
}

// SweepsListPrefix returns the prefix for listing all sweep checkpoints.
func SweepsListPrefix() string {
	return SweepsPrefix + "/"
}

// ParseSweepKey extracts the sweep name from a checkpoint key.
func ParseSweepKey(key string) (string, error) {
	name, ok := strings.CutPrefix(key, SweepsListPrefix())
	if !ok || ValidateName(name) != nil {
		return "", ErrInvalidKey
	}
	return name, nil
}

// LatestReportKeyPath returns the key holding the object key of the most
// recently archived report of a kind.
func LatestReportKeyPath(kind string) string {
	return ReportsPrefix + "/" + kind + "/latest"
}
