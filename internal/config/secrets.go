package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// SecretFileError reports a *_FILE secret whose file could not be read.
// It names the path, never the content.
type SecretFileError struct {
	Env  string
	Path string
	Err  error
}

func (e *SecretFileError) Error() string {
	return fmt.Sprintf("read secret %s=%s: %v", e.Env, e.Path, e.Err)
}

func (e *SecretFileError) Unwrap() error { return e.Err }

// ResolveSecret returns the value of name. NAME_FILE, when set, wins and
// names a file whose trimmed content is the secret.
func ResolveSecret(name string) (string, error) {
	fileEnv := name + "_FILE"
	if path := os.Getenv(fileEnv); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", &SecretFileError{Env: fileEnv, Path: path, Err: err}
		}
		return strings.TrimSpace(string(b)), nil
	}
	return os.Getenv(name), nil
}

// overlaySecrets resolves each named secret into its destination, leaving the
// destination untouched when the secret is unset.
func overlaySecrets(dst map[string]*string) error {
	for name, target := range dst {
		v, err := ResolveSecret(name)
		if err != nil {
			return err
		}
		if v != "" {
			*target = v
		}
	}
	return nil
}

// MustResolveSecret is ResolveSecret for startup paths; an unreadable file
// is fatal.
func MustResolveSecret(name string) string {
	v, err := ResolveSecret(name)
	if err != nil {
		log.Fatal().Err(err).Str("secret", name).Msg("failed to resolve secret")
	}
	return v
}
