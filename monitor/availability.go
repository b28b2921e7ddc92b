package monitor

import (
	"encoding/json"
	"fmt"
)

// ConfigRow is one configured availability row: a plan variant with its
// per-datacenter raw listed statuses and the option codes needed to order it.
type ConfigRow struct {
	Datacenters map[string]string `json:"datacenters"`
	Memory      string            `json:"memory"`
	Storage     string            `json:"storage"`
	Options     []string          `json:"options"`
}

// Availability is the tagged shape of one fetched catalog document.  The
// catalog returns either legacy simple rows (datacenter → raw status) or
// configured rows (configKey → ConfigRow); a single document may mix both.
type Availability struct {
	Simple     map[string]string
	Configured map[string]ConfigRow
}

// Empty reports whether the document carries no rows at all.
func (a Availability) Empty() bool {
	return len(a.Simple) == 0 && len(a.Configured) == 0
}

// ParseAvailability resolves the per-row duck typing at the fetch boundary.
// A row whose value is a JSON string is a legacy simple row; an object with
// a "datacenters" field is a configured row.  Rows of any other shape are
// reported as an error rather than silently dropped.
func ParseAvailability(raw map[string]json.RawMessage) (Availability, error) {
	out := Availability{
		Simple:     make(map[string]string),
		Configured: make(map[string]ConfigRow),
	}
	for key, val := range raw {
		var s string
		if err := json.Unmarshal(val, &s); err == nil {
			out.Simple[key] = s
			continue
		}
		var row ConfigRow
		if err := json.Unmarshal(val, &row); err == nil && row.Datacenters != nil {
			out.Configured[key] = row
			continue
		}
		return Availability{}, fmt.Errorf("availability row %q has unrecognised shape", key)
	}
	return out, nil
}

// configInfo derives the transient per-tick configuration descriptor.
func (r ConfigRow) configInfo() *ConfigInfo {
	memory, storage := r.Memory, r.Storage
	if memory == "" {
		memory = "N/A"
	}
	if storage == "" {
		storage = "N/A"
	}
	return &ConfigInfo{
		Memory:  memory,
		Storage: storage,
		Display: memory + " + " + storage,
		Options: r.Options,
	}
}
