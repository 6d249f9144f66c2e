package core

import (
	"encoding/json"
	"log/slog"
)

// Secret holds a credential that must never leave the process boundary.
// Every textual rendering (fmt verbs, slog, JSON) produces a redacted
// placeholder; only Reveal returns the underlying value.
type Secret string

const redacted = "[redacted]"

// Reveal returns the underlying secret value.
func (s Secret) Reveal() string { return string(s) }

// String implements fmt.Stringer with a redacted placeholder.
func (s Secret) String() string { return redacted }

// GoString implements fmt.GoStringer so %#v does not leak the value.
func (s Secret) GoString() string { return "core.Secret(" + redacted + ")" }

// LogValue implements slog.LogValuer with a redacted placeholder.
func (s Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalJSON implements json.Marshaler with a redacted placeholder.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting a plain string.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Secret(v)
	return nil
}
