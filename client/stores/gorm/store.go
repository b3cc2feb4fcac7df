//go:build !wasm
// +build !wasm

package gorm

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/panyam/dogquiz/client"
)

// AutoMigrate runs database migrations for the credential tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&CredentialModel{}, &ReturnToModel{})
}

// CredentialStore implements client.CredentialStore using GORM.
// Each operation is a single statement, so every write is atomic.
type CredentialStore struct {
	db      *gorm.DB
	profile string
}

func NewCredentialStore(db *gorm.DB, profile string) *CredentialStore {
	if profile == "" {
		profile = "default"
	}
	return &CredentialStore{db: db, profile: profile}
}

func (s *CredentialStore) Get() (*client.Credentials, error) {
	var model CredentialModel
	err := s.db.First(&model, "profile = ?", s.profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if model.AccessToken == "" && model.RefreshToken == "" {
		return nil, nil
	}
	return model.ToCredentials(), nil
}

func (s *CredentialStore) Set(cred *client.Credentials) error {
	if cred == nil {
		return s.Clear()
	}
	model := &CredentialModel{
		Profile:      s.profile,
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
	}
	return s.db.Save(model).Error
}

// SetAccessToken upserts only the access_token column
func (s *CredentialStore) SetAccessToken(token string) error {
	model := &CredentialModel{Profile: s.profile, AccessToken: token}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "profile"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "updated_at"}),
	}).Create(model).Error
}

func (s *CredentialStore) Clear() error {
	return s.db.Delete(&CredentialModel{}, "profile = ?", s.profile).Error
}

func (s *CredentialStore) IsAuthenticated() bool {
	var count int64
	err := s.db.Model(&CredentialModel{}).
		Where("profile = ? AND access_token <> ''", s.profile).
		Count(&count).Error
	return err == nil && count > 0
}

func (s *CredentialStore) ReturnTo() (string, error) {
	var model ReturnToModel
	err := s.db.First(&model, "profile = ?", s.profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return model.Dest, nil
}

func (s *CredentialStore) SetReturnTo(dest string) error {
	if dest == "" {
		return s.db.Delete(&ReturnToModel{}, "profile = ?", s.profile).Error
	}
	return s.db.Save(&ReturnToModel{Profile: s.profile, Dest: dest}).Error
}
