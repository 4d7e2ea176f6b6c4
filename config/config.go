// Package config holds the deployment policy knobs of the store: everything
// that is a deployment decision rather than a code path.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DAMEDIC/fhir-store-go/capabilities"
	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
)

// UnsupportedPolicy decides what happens to query fragments no backend can
// evaluate natively.
type UnsupportedPolicy string

const (
	// PolicyReject fails the whole query.
	PolicyReject UnsupportedPolicy = "reject"
	// PolicyPostFilter evaluates the fragment in memory over the narrowed
	// candidate set and discloses the degradation in the result.
	PolicyPostFilter UnsupportedPolicy = "postfilter"
)

// Duration is a [time.Duration] that unmarshals from Go duration strings
// like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Policy is the deployment configuration.
type Policy struct {
	// UpdateAsCreate allows clients to assign resource ids.
	UpdateAsCreate bool `yaml:"updateAsCreate"`
	// Unsupported selects reject or postfilter for fragments outside every
	// backend's native surface.
	Unsupported UnsupportedPolicy `yaml:"unsupported"`
	// ApproxTolerance is the ap prefix tolerance as a fraction of the
	// search value.
	ApproxTolerance float64 `yaml:"approxTolerance"`
	// IncludeDepth bounds recursive :iterate include resolution.
	IncludeDepth int `yaml:"includeDepth"`
	// DefaultCount and MaxCount bound search page sizes.
	DefaultCount int `yaml:"defaultCount"`
	MaxCount     int `yaml:"maxCount"`
	// Isolation is the isolation level requested from transactions.
	Isolation capabilities.IsolationLevel `yaml:"isolation"`
	// TransactionTimeout aborts transactions that run longer. Zero means no
	// limit.
	TransactionTimeout Duration `yaml:"transactionTimeout"`
	// StrictSearch rejects unknown search parameters instead of dropping
	// them with disclosure.
	StrictSearch bool `yaml:"strictSearch"`
}

// Default returns the policy used when no configuration file is present.
func Default() Policy {
	return Policy{
		Unsupported:        PolicyPostFilter,
		ApproxTolerance:    search.DefaultApproxTolerance,
		IncludeDepth:       3,
		DefaultCount:       50,
		MaxCount:           500,
		Isolation:          capabilities.IsolationReadCommitted,
		TransactionTimeout: Duration(30 * time.Second),
	}
}

// Load reads a YAML policy file, filling unset knobs from Default.
func Load(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read config %s: %w", path, err)
	}

	p := Default()
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return p, p.validate()
}

func (p Policy) validate() error {
	switch p.Unsupported {
	case PolicyReject, PolicyPostFilter:
	default:
		return fmt.Errorf("unknown unsupported policy %q", p.Unsupported)
	}
	if p.ApproxTolerance < 0 {
		return fmt.Errorf("approxTolerance must not be negative")
	}
	if p.IncludeDepth < 0 {
		return fmt.Errorf("includeDepth must not be negative")
	}
	if p.MaxCount > 0 && p.DefaultCount > p.MaxCount {
		return fmt.Errorf("defaultCount %d exceeds maxCount %d", p.DefaultCount, p.MaxCount)
	}
	return nil
}
