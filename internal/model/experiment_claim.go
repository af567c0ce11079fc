package model

import "time"

type ClaimType string

const (
	ClaimInjury   ClaimType = "injury"
	ClaimEmotion  ClaimType = "emotion"
	ClaimSkipped  ClaimType = "skipped"
	ClaimEvent    ClaimType = "event"
	ClaimBarrier  ClaimType = "barrier"
	ClaimProgress ClaimType = "progress"
)

// ExperimentClaim 从人格总结中抽取出的原子论断（写入后不再修改）
type ExperimentClaim struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	RunID          uint       `gorm:"not null;index" json:"run_id"`
	ClaimText      string     `gorm:"type:text;not null" json:"claim_text"`
	ClaimType      ClaimType  `gorm:"type:varchar(20);not null;index" json:"claim_type"`
	Persona        string     `gorm:"type:varchar(32);index" json:"persona"`
	IsSupported    bool       `json:"is_supported"`
	Confidence     float64    `gorm:"type:decimal(5,4)" json:"confidence"`
	ReferencedDate *time.Time `json:"referenced_date,omitempty"`

	Receipts []ClaimReceipt `gorm:"foreignKey:ClaimID" json:"receipts"`
}

// ClaimReceipt evidence linking a claim to the journal entry that supports it.
// Receipts below the support threshold are never written.
type ClaimReceipt struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	ClaimID        uint      `gorm:"not null;index" json:"claim_id"`
	JournalEntryID uint      `gorm:"not null;index" json:"journal_entry_id"`
	MatchedSnippet string    `gorm:"type:text" json:"matched_snippet"`
	EntryDate      time.Time `json:"entry_date"`
	Confidence     float64   `gorm:"type:decimal(5,4)" json:"confidence"`
}
