// Package secrets masks sensitive invocation arguments and resolves gateway
// credential references.
package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Redacted replaces every masked value.
const Redacted = "[REDACTED]"

const (
	secretPrefix = "secret://"
	envPrefix    = "env:"
)

var sensitiveKey = regexp.MustCompile(`(?i)(password|secret|token|api[-_]?key|credential|ssn|credit[-_]?card)`)

// IsSensitiveKey reports whether an argument name must never be stored.
func IsSensitiveKey(key string) bool {
	return sensitiveKey.MatchString(key)
}

// RedactArgs returns a deep copy of args with sensitive keys and secret
// references masked. The input is never modified. Args are first reduced to
// their JSON form so typed containers and structs are walked too; args that
// cannot be encoded are masked wholesale.
func RedactArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	generic, err := normalize(args)
	if err != nil {
		out := make(map[string]any, len(args))
		for k := range args {
			out[k] = Redacted
		}
		return out
	}
	out, _ := redact(generic).(map[string]any)
	return out
}

// ContainsSecretRefs reports whether any string value in args holds a
// secret:// reference.
func ContainsSecretRefs(args map[string]any) bool {
	if args == nil {
		return false
	}
	generic, err := normalize(args)
	if err != nil {
		return false
	}
	return containsRef(generic)
}

func normalize(args map[string]any) (any, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func containsRef(value any) bool {
	switch v := value.(type) {
	case string:
		return isSecretRef(v)
	case map[string]any:
		for _, child := range v {
			if containsRef(child) {
				return true
			}
		}
	case []any:
		for _, child := range v {
			if containsRef(child) {
				return true
			}
		}
	}
	return false
}

func isSecretRef(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), secretPrefix)
}

// redact walks the generic JSON form produced by normalize.
func redact(value any) any {
	switch v := value.(type) {
	case string:
		if isSecretRef(v) {
			return Redacted
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = redact(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = redact(child)
		}
		return out
	default:
		return v
	}
}

// EnvResolver resolves credential references of the form "env:NAME" from the
// process environment. Any other reference is returned as a literal.
type EnvResolver struct {
	Lookup func(string) (string, bool)
}

func (r EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, envPrefix) {
		return ref, nil
	}
	name := strings.TrimPrefix(ref, envPrefix)
	lookup := r.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	val, ok := lookup(name)
	if !ok || val == "" {
		return "", fmt.Errorf("credential %s not set", name)
	}
	return val, nil
}
