package model

import "time"

// JournalEntry an athlete's journal entry. Owned by the journal CRUD surface; read-only here.
type JournalEntry struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	AthleteID         uint      `gorm:"not null;index" json:"athlete_id"`
	EntryDate         time.Time `gorm:"not null;index" json:"entry_date"`
	EmotionalState    string    `gorm:"type:text" json:"emotional_state"`
	SessionReflection string    `gorm:"type:text" json:"session_reflection"`
	MentalBarriers    string    `gorm:"type:text" json:"mental_barriers"`
}
