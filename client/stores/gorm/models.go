//go:build !wasm
// +build !wasm

package gorm

import (
	"time"

	"github.com/panyam/dogquiz/client"
)

// CredentialModel is the GORM model for a stored credential pair
type CredentialModel struct {
	Profile      string `gorm:"primaryKey;size:128"`
	AccessToken  string `gorm:"type:text"`
	RefreshToken string `gorm:"type:text"`
	UpdatedAt    time.Time
}

func (CredentialModel) TableName() string {
	return "client_credentials"
}

func (m *CredentialModel) ToCredentials() *client.Credentials {
	return &client.Credentials{
		AccessToken:  m.AccessToken,
		RefreshToken: m.RefreshToken,
	}
}

// ReturnToModel keeps the post-login destination for a profile. It lives in
// its own table so replacing or deleting the credential row leaves it alone.
type ReturnToModel struct {
	Profile   string `gorm:"primaryKey;size:128"`
	Dest      string `gorm:"size:512"`
	UpdatedAt time.Time
}

func (ReturnToModel) TableName() string {
	return "client_return_to"
}
