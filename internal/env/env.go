package env

import (
	"os"
	"strings"

	"github.com/ekisa-team/synlens/internal/envvar"
)

// Environment is the deployment environment the process runs in.
type Environment string

const (
	// Development enables human-friendly logs and debug output.
	Development Environment = "development"

	// Production enables structured logs.
	Production Environment = "production"
)

// FromEnv reads the environment from SYNLENS_ENV. Unknown or empty values
// resolve to Development.
func FromEnv() Environment {
	return Parse(os.Getenv(envvar.SynlensEnv))
}

// Parse converts a raw string into an Environment.
func Parse(s string) Environment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prod", "production":
		return Production
	default:
		return Development
	}
}

// IsDevelopment reports whether e is the development environment.
func (e Environment) IsDevelopment() bool {
	return e == Development
}
