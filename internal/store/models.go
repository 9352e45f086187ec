package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

// BookModel embeds the ratings list as jsonb so that the list and the
// derived average always land in the same row write.
type BookModel struct {
	ID            string `gorm:"primaryKey"`
	OwnerID       string `gorm:"not null;index"`
	Title         string `gorm:"not null"`
	Author        string `gorm:"not null"`
	Year          int    `gorm:"not null"`
	Genre         string `gorm:"not null"`
	ImageURL      string
	Ratings       datatypes.JSON `gorm:"type:jsonb"`
	AverageRating float64        `gorm:"not null;index"`
	CreatedAt     time.Time      `gorm:"not null;index"`
	UpdatedAt     time.Time      `gorm:"not null"`
}
