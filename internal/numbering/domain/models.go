// Package domain contains persistence models for document numbering.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// DocumentType identifies the document family a sequence numbers.
type DocumentType string

const (
	DocumentTypeInvoice    DocumentType = "invoice"
	DocumentTypeEstimate   DocumentType = "estimate"
	DocumentTypeCreditNote DocumentType = "credit_note"
	DocumentTypePayment    DocumentType = "payment"
)

var (
	// ErrSequenceExhausted is returned when the iteration cap was reached
	// without finding a free number.
	ErrSequenceExhausted = errors.New("numbering: sequence exhausted")
	ErrSequenceNotFound  = errors.New("numbering: sequence not found")
	ErrNothingReserved   = errors.New("numbering: no reserved number to write")
	// ErrAlreadyReserved rejects a second reservation for the same
	// sequence on one sequencer; the first must be written or released.
	ErrAlreadyReserved = errors.New("numbering: a reservation is already held for this sequence")
)

// AutoNumberSequence stores the next candidate value for one
// (org, document type) pair. NextValue is monotonically non-decreasing;
// every write goes through a compare-and-set that only raises it.
type AutoNumberSequence struct {
	OrgID        snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	DocumentType DocumentType `gorm:"primaryKey;type:text"`
	NextValue    int64        `gorm:"not null;default:1"`
	Template     string       `gorm:"type:text;not null"`
	UpdatedAt    time.Time    `gorm:"not null"`
}

func (AutoNumberSequence) TableName() string { return "auto_number_sequences" }

// Format renders value through the sequence template. The template uses
// %d-style verbs, e.g. "INV-%06d".
func (s AutoNumberSequence) Format(value int64) string {
	template := strings.TrimSpace(s.Template)
	if template == "" || !strings.Contains(template, "%") {
		return fmt.Sprintf("%s%d", template, value)
	}
	return fmt.Sprintf(template, value)
}
