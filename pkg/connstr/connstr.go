// Package connstr parses device connection strings of the form
//
//	HostName=<host>;DeviceId=<id>;SharedAccessKey=<base64 key>
//
// and signs the shared access tokens devices authenticate with.
package connstr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	KeyHostName            = "HostName"
	KeyDeviceID            = "DeviceId"
	KeyModuleID            = "ModuleId"
	KeySharedAccessKey     = "SharedAccessKey"
	KeySharedAccessKeyName = "SharedAccessKeyName"
	KeyGatewayHostName     = "GatewayHostName"
)

// ErrMalformed is returned for strings that are not key=value pairs separated by ';'.
var ErrMalformed = errors.New("malformed connection string")

// ConnectionString is a parsed device connection string.
type ConnectionString struct {
	HostName            string
	DeviceID            string
	ModuleID            string
	SharedAccessKey     string
	SharedAccessKeyName string
	GatewayHostName     string
	// Extra holds any keys not listed above.
	Extra map[string]string
}

// Parse splits s into its fields. DeviceId is required.
func Parse(s string) (ConnectionString, error) {
	var cs ConnectionString
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		// Keys are base64 and may themselves contain '='.
		key, value, ok := strings.Cut(part, "=")
		if !ok || key == "" {
			return ConnectionString{}, fmt.Errorf("%w: segment %q is not key=value", ErrMalformed, part)
		}
		switch key {
		case KeyHostName:
			cs.HostName = value
		case KeyDeviceID:
			cs.DeviceID = value
		case KeyModuleID:
			cs.ModuleID = value
		case KeySharedAccessKey:
			cs.SharedAccessKey = value
		case KeySharedAccessKeyName:
			cs.SharedAccessKeyName = value
		case KeyGatewayHostName:
			cs.GatewayHostName = value
		default:
			if cs.Extra == nil {
				cs.Extra = make(map[string]string)
			}
			cs.Extra[key] = value
		}
	}
	if cs.DeviceID == "" {
		return ConnectionString{}, fmt.Errorf("%w: %s is missing", ErrMalformed, KeyDeviceID)
	}
	return cs, nil
}

// ParseDevice accepts either a connection string or a bare device ID. A descriptor with
// any '=' or ';' is held to Parse, so a malformed connection string is never mistaken
// for an ID that carries its key.
func ParseDevice(descriptor string) (ConnectionString, error) {
	descriptor = strings.TrimSpace(descriptor)
	if !strings.ContainsAny(descriptor, "=;") {
		if descriptor == "" {
			return ConnectionString{}, fmt.Errorf("%w: empty descriptor", ErrMalformed)
		}
		return ConnectionString{DeviceID: descriptor}, nil
	}
	return Parse(descriptor)
}

// DeviceID returns the DeviceId of descriptor. Bare IDs are returned as is and malformed
// connection strings are returned redacted.
func DeviceID(descriptor string) string {
	cs, err := ParseDevice(descriptor)
	if err != nil {
		return Redact(descriptor)
	}
	return cs.DeviceID
}

// String renders the connection string back in canonical key order.
func (cs ConnectionString) String() string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add(KeyHostName, cs.HostName)
	add(KeyDeviceID, cs.DeviceID)
	add(KeyModuleID, cs.ModuleID)
	add(KeySharedAccessKeyName, cs.SharedAccessKeyName)
	add(KeySharedAccessKey, cs.SharedAccessKey)
	add(KeyGatewayHostName, cs.GatewayHostName)

	extraKeys := make([]string, 0, len(cs.Extra))
	for k := range cs.Extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		add(k, cs.Extra[k])
	}
	return strings.Join(parts, ";")
}

// Redact hides the shared access key of descriptor so it can be logged. Strings that do
// not parse keep their segments, with any SharedAccessKey value still masked.
func Redact(descriptor string) string {
	cs, err := Parse(descriptor)
	if err != nil {
		return scrub(descriptor)
	}
	if cs.SharedAccessKey != "" {
		cs.SharedAccessKey = redacted
	}
	return cs.String()
}

const redacted = "***"

func scrub(descriptor string) string {
	parts := strings.Split(descriptor, ";")
	for i, part := range parts {
		key, _, ok := strings.Cut(part, "=")
		if ok && strings.TrimSpace(key) == KeySharedAccessKey {
			parts[i] = key + "=" + redacted
		}
	}
	return strings.Join(parts, ";")
}
