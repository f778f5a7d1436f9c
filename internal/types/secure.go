package types

// redactedPlaceholder replaces secret values in logs and serialization.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString is a string type that prevents accidental logging or
// serialization of sensitive values (the Stripe secret key, the webhook
// signing secret, the database URL). String() and MarshalJSON() return a
// redacted placeholder; Unmask() retrieves the raw value where it is
// genuinely needed.
type SecretString string

// String returns a redacted placeholder instead of the raw value, covering
// fmt functions and structured log values.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string so secrets
// never appear in serialized config dumps or log entries.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value. Usage should be limited to the
// point where the secret is actually consumed (HTTP Authorization headers,
// signature verification, connection strings).
func (s SecretString) Unmask() string {
	return string(s)
}

// IsZero reports whether the secret is unset. The ingress gate uses this for
// its fail-closed check: an empty webhook secret refuses all admission.
func (s SecretString) IsZero() bool {
	return len(s) == 0
}
