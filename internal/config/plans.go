package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ovpnhub/accessd/internal/models"
)

// Plan describes one purchasable duration bucket.
type Plan struct {
	BucketID    string          // Pool bucket the plan draws from.
	Kind        models.PlanKind // Trial or paid.
	Duration    time.Duration   // Entitlement granted on activation.
	AmountMinor int64           // Charge amount in minor currency units; zero for trials.
	Currency    string          // ISO currency code.
}

// planFile mirrors the YAML catalog layout.
type planFile struct {
	Plans []planEntry `yaml:"plans"`
}

type planEntry struct {
	Bucket      string `yaml:"bucket"`
	Kind        string `yaml:"kind"`
	Duration    string `yaml:"duration"`
	AmountMinor int64  `yaml:"amount_minor"`
	Currency    string `yaml:"currency"`
}

// PlanCatalog resolves buckets to plan terms. Loaded once at startup.
type PlanCatalog struct {
	plans map[string]Plan
}

// LoadPlanCatalog parses the YAML plan catalog at path.
func LoadPlanCatalog(path string) (*PlanCatalog, error) {
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		return nil, fmt.Errorf("config: read plan catalog: %w", errRead)
	}
	return ParsePlanCatalog(data)
}

// ParsePlanCatalog parses plan catalog YAML content.
func ParsePlanCatalog(data []byte) (*PlanCatalog, error) {
	var file planFile
	if errUnmarshal := yaml.Unmarshal(data, &file); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse plan catalog: %w", errUnmarshal)
	}
	if len(file.Plans) == 0 {
		return nil, fmt.Errorf("config: plan catalog is empty")
	}

	plans := make(map[string]Plan, len(file.Plans))
	for _, entry := range file.Plans {
		bucket := strings.TrimSpace(entry.Bucket)
		if bucket == "" {
			return nil, fmt.Errorf("config: plan without bucket")
		}
		if _, exists := plans[bucket]; exists {
			return nil, fmt.Errorf("config: duplicate plan bucket: %s", bucket)
		}

		kind := models.PlanKind(strings.TrimSpace(entry.Kind))
		if kind != models.PlanKindTrial && kind != models.PlanKindPaid {
			return nil, fmt.Errorf("config: plan %s: unknown kind: %s", bucket, entry.Kind)
		}

		duration, errParse := time.ParseDuration(strings.TrimSpace(entry.Duration))
		if errParse != nil {
			return nil, fmt.Errorf("config: plan %s: parse duration: %w", bucket, errParse)
		}
		if duration <= 0 {
			return nil, fmt.Errorf("config: plan %s: duration must be positive", bucket)
		}

		if kind == models.PlanKindPaid && entry.AmountMinor <= 0 {
			return nil, fmt.Errorf("config: plan %s: paid plan needs an amount", bucket)
		}
		currency := strings.ToUpper(strings.TrimSpace(entry.Currency))
		if kind == models.PlanKindPaid && currency == "" {
			return nil, fmt.Errorf("config: plan %s: paid plan needs a currency", bucket)
		}

		plans[bucket] = Plan{
			BucketID:    bucket,
			Kind:        kind,
			Duration:    duration,
			AmountMinor: entry.AmountMinor,
			Currency:    currency,
		}
	}
	return &PlanCatalog{plans: plans}, nil
}

// Lookup returns the plan for a bucket.
func (c *PlanCatalog) Lookup(bucketID string) (Plan, bool) {
	if c == nil {
		return Plan{}, false
	}
	plan, ok := c.plans[strings.TrimSpace(bucketID)]
	return plan, ok
}

// Buckets lists all configured bucket IDs.
func (c *PlanCatalog) Buckets() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.plans))
	for bucket := range c.plans {
		out = append(out, bucket)
	}
	return out
}
