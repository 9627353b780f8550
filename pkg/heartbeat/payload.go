package heartbeat

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/haasonsaas/tether/pkg/apperr"
)

// Payload is the inventory snapshot an agent sends with each heartbeat.
type Payload struct {
	AgentID           string              `json:"agent_id"`
	AgentName         string              `json:"agent_name"`
	DeviceFingerprint string              `json:"device_fingerprint"`
	Hostname          string              `json:"hostname" validate:"notblank,max=255"`
	OSType            string              `json:"os_type" validate:"notblank,max=64"`
	OSVersion         string              `json:"os_version" validate:"notblank,max=255"`
	CPUInfo           string              `json:"cpu_info" validate:"notblank"`
	MemoryTotal       int64               `json:"memory_total" validate:"min=0"`
	MemoryAvailable   int64               `json:"memory_available" validate:"min=0"`
	IPAddresses       map[string][]string `json:"ip_addresses" validate:"dive,keys,notblank,endkeys,dive,ip"`
	Services          []string            `json:"services"`
	InstalledSoftware []string            `json:"installed_software"`
	CollectedAt       time.Time           `json:"collected_at" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Validate checks the payload and reports every offending field.
func (p *Payload) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation("invalid heartbeat payload")
	}
	seen := make(map[string]struct{}, len(verrs))
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// map errors are reported as ip_addresses[<key>] or ip_addresses[<key>][<i>]
		name := strings.SplitN(fe.Field(), "[", 2)[0]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return apperr.Validation("invalid heartbeat payload", fields...)
}

// cleanNames trims, drops blanks and de-duplicates, keeping first occurrence order.
func cleanNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
