// Package registry holds the table of execution targets and resolves
// connection parameters for them. Credentials can live in the config file
// or, preferably, in the environment under a per-instance prefix; env
// values win so deployments never have to write secrets to disk.
package registry

import (
	"errors"
	"fmt"
	"os"

	"query-portal-engine/internal/driver"
	"query-portal-engine/internal/request"
)

// ErrUnknownInstance is returned when a request names an instance id that
// is not configured. It must surface before any resource is reserved.
var ErrUnknownInstance = errors.New("unknown target instance")

// Instance describes one configured execution target.
type Instance struct {
	ID       string             `yaml:"id"`
	Kind     request.TargetKind `yaml:"kind"`
	Host     string             `yaml:"host"`
	Port     int                `yaml:"port"`
	URI      string             `yaml:"uri"`
	User     string             `yaml:"user"`
	Password string             `yaml:"password"`
	// CredentialsEnvPrefix names env vars <PREFIX>_USER, <PREFIX>_PASSWORD
	// and <PREFIX>_CONNECTION_STRING that override the fields above.
	CredentialsEnvPrefix string `yaml:"credentials_env_prefix"`
}

// Registry resolves instance ids to connection parameters.
type Registry struct {
	instances map[string]Instance
}

// New builds a registry from configured instances.
func New(instances []Instance) (*Registry, error) {
	r := &Registry{instances: make(map[string]Instance, len(instances))}
	for _, inst := range instances {
		if inst.ID == "" {
			return nil, fmt.Errorf("target instance with empty id")
		}
		if inst.Kind != request.TargetRelational && inst.Kind != request.TargetDocument {
			return nil, fmt.Errorf("target instance %q: unknown kind %q", inst.ID, inst.Kind)
		}
		if _, dup := r.instances[inst.ID]; dup {
			return nil, fmt.Errorf("duplicate target instance id %q", inst.ID)
		}
		r.instances[inst.ID] = inst
	}
	return r, nil
}

// Kind returns the target kind of a configured instance.
func (r *Registry) Kind(instanceID string) (request.TargetKind, error) {
	inst, ok := r.instances[instanceID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownInstance, instanceID)
	}
	return inst.Kind, nil
}

// Resolve returns connection parameters for an instance, with env
// credentials merged over the configured values and the given database
// name filled in.
func (r *Registry) Resolve(instanceID, databaseName string) (driver.ConnParams, error) {
	inst, ok := r.instances[instanceID]
	if !ok {
		return driver.ConnParams{}, fmt.Errorf("%w: %q", ErrUnknownInstance, instanceID)
	}

	params := driver.ConnParams{
		Host:     inst.Host,
		Port:     inst.Port,
		User:     inst.User,
		Password: inst.Password,
		URI:      inst.URI,
		Database: databaseName,
	}

	if prefix := inst.CredentialsEnvPrefix; prefix != "" {
		if v := os.Getenv(prefix + "_USER"); v != "" {
			params.User = v
		}
		if v := os.Getenv(prefix + "_PASSWORD"); v != "" {
			params.Password = v
		}
		if v := os.Getenv(prefix + "_CONNECTION_STRING"); v != "" {
			params.URI = v
		}
	}

	return params, nil
}

// IDs returns the configured instance ids, for diagnostics.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	return ids
}
