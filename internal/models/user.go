package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a directory record. The swap core only reads skill ownership and
// writes the rating aggregate back.
type User struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Email           string          `json:"email,omitempty"`
	ProfilePhotoURL string          `json:"profile_photo_url,omitempty"`
	IsActive        bool            `json:"is_active"`
	SkillsOffered   []UserSkill     `json:"skills_offered"`
	SkillsWanted    []UserSkill     `json:"skills_wanted"`
	Rating          RatingAggregate `json:"rating"`
	CreatedAt       time.Time       `json:"created_at"`
	LastActive      time.Time       `json:"last_active"`
}

// UserSkill links a user to a catalog skill
type UserSkill struct {
	SkillID  uuid.UUID `json:"skill_id"`
	Name     string    `json:"name"`
	Category string    `json:"category"`
	Level    string    `json:"level,omitempty"`
}

// RatingAggregate is the running rating of a user
type RatingAggregate struct {
	Average float64 `json:"average"`
	Total   int     `json:"total"`
	Count   int     `json:"count"`
}

// Skill is a catalog entry
type Skill struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Category string    `json:"category"`
}

func (u *User) Offers(skillID uuid.UUID) bool {
	return containsSkill(u.SkillsOffered, skillID)
}

func (u *User) Wants(skillID uuid.UUID) bool {
	return containsSkill(u.SkillsWanted, skillID)
}

func containsSkill(skills []UserSkill, skillID uuid.UUID) bool {
	for _, s := range skills {
		if s.SkillID == skillID {
			return true
		}
	}
	return false
}

// UserResponse is the public view of a user
type UserResponse struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	ProfilePhotoURL string          `json:"profile_photo_url,omitempty"`
	Rating          RatingAggregate `json:"rating"`
}
