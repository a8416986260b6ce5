package domain

import (
	"fmt"
	"strings"
)

// Well-known metadata keys attached to notifications by collaborating subsystems.
const (
	MetaOrderID        = "orderId"
	MetaPrescriptionID = "prescriptionId"
	MetaAppointmentID  = "appointmentId"
	MetaCategory       = "category"
	MetaSource         = "source"
)

const maxMetadataKeyLength = 64

// Metadata is an open key-value map; the keys above are the stable contract.
type Metadata map[string]string

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	c := make(Metadata, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func (m Metadata) Validate() error {
	for k := range m {
		key := strings.TrimSpace(k)
		if key == "" {
			return fmt.Errorf("%w: metadata key must not be empty", ErrValidation)
		}
		if len(key) > maxMetadataKeyLength {
			return fmt.Errorf("%w: metadata key %q exceeds %d characters", ErrValidation, key, maxMetadataKeyLength)
		}
	}
	return nil
}

func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}
