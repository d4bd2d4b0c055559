package domain

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	AttrVirtLimit          = "virt_limit"
	AttrHostLimited        = "host_limited"
	AttrVirtOnly           = "virt_only"
	AttrInstanceMultiplier = "instance_multiplier"
	AttrExpiresAfter       = "expires_after"

	VirtLimitUnlimited = "unlimited"
)

var (
	intAttributes         = []string{"sockets", "cores", "ram", "vcpu", "multiplier", "warning_period", AttrExpiresAfter}
	positiveIntAttributes = []string{AttrInstanceMultiplier}
	longAttributes        = []string{"metadata_expire"}
	boolAttributes        = []string{"management_enabled", AttrVirtOnly, AttrHostLimited}
)

// ValidateAttributes rejects malformed typed attribute values.
func ValidateAttributes(productID string, attrs map[string]string) error {
	invalid := func(k, v string) error {
		return fmt.Errorf("%w: product %s attribute %s=%q", ErrInvalidAttribute, productID, k, v)
	}
	for _, k := range intAttributes {
		if v, ok := attrs[k]; ok {
			if _, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32); err != nil {
				return invalid(k, v)
			}
		}
	}
	for _, k := range positiveIntAttributes {
		if v, ok := attrs[k]; ok {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
			if err != nil || n <= 0 {
				return invalid(k, v)
			}
		}
	}
	for _, k := range longAttributes {
		if v, ok := attrs[k]; ok {
			if _, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err != nil {
				return invalid(k, v)
			}
		}
	}
	for _, k := range boolAttributes {
		if v, ok := attrs[k]; ok {
			if _, err := strconv.ParseBool(strings.TrimSpace(v)); err != nil {
				return invalid(k, v)
			}
		}
	}
	if v, ok := attrs[AttrVirtLimit]; ok {
		if _, _, err := ParseVirtLimit(v); err != nil {
			return invalid(AttrVirtLimit, v)
		}
	}
	return nil
}

// ParseVirtLimit returns the numeric limit, or unlimited=true.
func ParseVirtLimit(v string) (limit int64, unlimited bool, err error) {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, VirtLimitUnlimited) {
		return 0, true, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("%w: virt_limit=%q", ErrInvalidAttribute, v)
	}
	return n, false, nil
}

// BoolAttribute reads a boolean attribute, treating anything unparseable as false.
func BoolAttribute(attrs map[string]string, key string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(attrs[key]))
	return b
}
