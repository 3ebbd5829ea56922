package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PoolKind identifies one of the daily stock pools published by the exchange data vendors.
type PoolKind int

const (
	PoolLimitUp PoolKind = iota + 1
	PoolLimitDown
	PoolBrokenLimit
)

// AllPoolKinds lists every pool in URL order (zt, dt, zb).
var AllPoolKinds = []PoolKind{PoolLimitUp, PoolLimitDown, PoolBrokenLimit}

// -----------------------------------------------------------------------------

// Slug is the short name used in URLs and in storage ("zt", "dt", "zb").
func (k PoolKind) Slug() string {
	switch k {
	case PoolLimitUp:
		return "zt"
	case PoolLimitDown:
		return "dt"
	case PoolBrokenLimit:
		return "zb"
	}
	return ""
}

// -----------------------------------------------------------------------------

func (k PoolKind) String() string {
	switch k {
	case PoolLimitUp:
		return "limit_up"
	case PoolLimitDown:
		return "limit_down"
	case PoolBrokenLimit:
		return "broken_limit"
	}
	return fmt.Sprintf("PoolKind(%d)", int(k))
}

// -----------------------------------------------------------------------------

func (k PoolKind) Valid() bool {
	return k >= PoolLimitUp && k <= PoolBrokenLimit
}

// -----------------------------------------------------------------------------

// ParsePoolKind accepts either the slug ("zt") or the long name ("limit_up").
func ParsePoolKind(s string) (PoolKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range AllPoolKinds {
		if s == k.Slug() || s == k.String() {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown pool kind %q", s)
}

// -----------------------------------------------------------------------------

func (k PoolKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.Slug())
}

func (k *PoolKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePoolKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
