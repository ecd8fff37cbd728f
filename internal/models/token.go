package models

import "time"

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Complete reports whether both halves of the pair are present.
func (p TokenPair) Complete() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// SessionSnapshot is the durable backup written to the client-side store so
// that identity survives a restart. It is a cache, never the root of trust.
type SessionSnapshot struct {
	AccessToken  string    `json:"accessToken" dynamodbav:"access_token"`
	RefreshToken string    `json:"refreshToken" dynamodbav:"refresh_token"`
	User         *User     `json:"user,omitempty" dynamodbav:"user,omitempty"`
	SavedAt      time.Time `json:"savedAt" dynamodbav:"saved_at"`
}
