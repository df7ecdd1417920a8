package model

import "time"

type Session struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Title     string    `gorm:"size:128" json:"title"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Session) TableName() string {
	return "sessions"
}
