package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/user/gremlinbot/internal/domain"
)

// ErrInvalidPatch is returned for settings patches that cannot be applied.
var ErrInvalidPatch = errors.New("invalid settings patch")

// ChatMeta carries the descriptive fields recorded on first sight of a chat.
type ChatMeta struct {
	Type  string
	Title string
}

// SettingsPatch lists the settings fields to change. Nil fields are left alone.
type SettingsPatch struct {
	Enabled         *bool                   `json:"enabled,omitempty"`
	ProfanityPolicy *domain.ProfanityPolicy `json:"profanity_policy,omitempty"`
}

// Validate rejects empty patches and unknown policies.
func (p SettingsPatch) Validate() error {
	if p.Enabled == nil && p.ProfanityPolicy == nil {
		return fmt.Errorf("%w: nothing to change", ErrInvalidPatch)
	}
	if p.ProfanityPolicy != nil {
		if _, err := domain.ParseProfanityPolicy(string(*p.ProfanityPolicy)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
	}
	return nil
}

// Apply writes the patch onto s.
func (p SettingsPatch) Apply(s *domain.ChatSettings, now time.Time) {
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.ProfanityPolicy != nil {
		s.ProfanityPolicy = *p.ProfanityPolicy
	}
	s.UpdatedAt = now
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// dbTime normalizes timestamps to what both dialects store losslessly.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
