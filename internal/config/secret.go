package config

import "encoding/json"

const redacted = "[REDACTED]"

// Secret holds a credential read from the config file or environment:
// engine.api_key and the token and client_secret of MCP servers. It prints
// and serializes as a redaction marker; only Value exposes the content.
type Secret string

// Value returns the credential itself. Pass it straight to the client that
// needs it and nowhere else.
func (s Secret) Value() string {
	return string(s)
}

// IsSet reports whether a credential was configured.
func (s Secret) IsSet() bool {
	return s != ""
}

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v from printing the credential.
func (s Secret) GoString() string {
	return "config.Secret(" + redacted + ")"
}

// MarshalJSON writes the redaction marker, so a dumped config never carries
// the credential.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MarshalText writes the redaction marker.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the raw credential, which is how koanf decodes
// HARNESSD_ENGINE_API_KEY and file values.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
