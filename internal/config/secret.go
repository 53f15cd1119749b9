package config

// redacted replaces secret values on every formatting and marshaling
// path so credentials cannot leak through logs or config dumps.
const redacted = "[REDACTED]"

// Secret holds a credential loaded from configuration. It prints and
// marshals as a placeholder; code that authenticates with the value
// calls Reveal. Empty secrets stay visibly empty so a dump still shows
// which credentials are configured.
type Secret string

// Reveal returns the plaintext value.
func (s Secret) Reveal() string {
	return string(s)
}

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString covers the %#v verb.
func (s Secret) GoString() string {
	if s == "" {
		return `""`
	}
	return `"` + redacted + `"`
}

func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte(`""`), nil
	}
	return []byte(`"` + redacted + `"`), nil
}

func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return redacted, nil
}
