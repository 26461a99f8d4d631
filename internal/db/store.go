package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pysugar/session-nexus/internal/db/models"
	"github.com/pysugar/session-nexus/internal/identity"
	"github.com/pysugar/session-nexus/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store implements store.Store on top of gorm.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewStore wraps an opened and migrated database.
func NewStore(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log}
}

func (s *Store) FetchByID(ctx context.Context, id string) (*identity.User, error) {
	return s.load(s.db.WithContext(ctx), id)
}

func (s *Store) FetchByProviderSubject(ctx context.Context, p identity.Provider, subject string) (*identity.User, error) {
	tx := s.db.WithContext(ctx)

	var links []models.ProviderLink
	if err := tx.Where("provider = ? AND subject = ?", string(p), subject).Order("id").Find(&links).Error; err != nil {
		return nil, fmt.Errorf("fetch provider link: %w", err)
	}
	if len(links) == 0 {
		return nil, store.ErrNotFound
	}
	if len(links) > 1 {
		s.log.Warn("provider subject held by multiple identities",
			zap.String("provider", string(p)),
			zap.String("subject", subject),
			zap.Int("count", len(links)))
	}
	return s.load(tx, links[0].UserID)
}

func (s *Store) FetchByResumeToken(ctx context.Context, token string) ([]*identity.User, error) {
	tx := s.db.WithContext(ctx)

	var userIDs []string
	if err := tx.Model(&models.Device{}).Where("token = ?", token).Order("id").Pluck("user_id", &userIDs).Error; err != nil {
		return nil, fmt.Errorf("fetch devices: %w", err)
	}

	seen := make(map[string]bool, len(userIDs))
	var out []*identity.User
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		u, err := s.load(tx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// Save replaces the user's row, provider links and devices in one
// transaction. A link already held by another user fails with
// store.ErrSubjectTaken.
func (s *Store) Save(ctx context.Context, u *identity.User) error {
	row := models.User{
		ID:     u.ID,
		Name:   u.DisplayName,
		Avatar: u.AvatarURL,
		Email:  u.PrimaryEmail,
		Guest:  u.Guest,
		Online: u.Online,
	}

	links := make([]models.ProviderLink, 0, len(u.Subjects))
	for p, sub := range u.Subjects {
		claims := ""
		if len(sub.Claims) > 0 {
			b, err := json.Marshal(sub.Claims)
			if err != nil {
				return fmt.Errorf("encode %s claims: %w", p, err)
			}
			claims = string(b)
		}
		links = append(links, models.ProviderLink{UserID: u.ID, Provider: string(p), Subject: sub.ID, Claims: claims})
	}

	devices := make([]models.Device, 0, len(u.Devices))
	for _, d := range u.Devices {
		devices = append(devices, models.Device{
			UserID:   u.ID,
			Token:    d.Token,
			Provider: string(d.Provider),
			IssuedAt: d.IssuedAt,
			Addr:     d.Addr,
			Agent:    d.Agent,
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "avatar", "email", "guest", "online", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}

		if err := tx.Where("user_id = ?", u.ID).Delete(&models.ProviderLink{}).Error; err != nil {
			return fmt.Errorf("clear links: %w", err)
		}
		if len(links) > 0 {
			if err := tx.Create(&links).Error; err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: %v", store.ErrSubjectTaken, err)
				}
				return fmt.Errorf("insert links: %w", err)
			}
		}

		if err := tx.Where("user_id = ?", u.ID).Delete(&models.Device{}).Error; err != nil {
			return fmt.Errorf("clear devices: %w", err)
		}
		if len(devices) > 0 {
			if err := tx.Create(&devices).Error; err != nil {
				return fmt.Errorf("insert devices: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) load(tx *gorm.DB, id string) (*identity.User, error) {
	var row models.User
	err := tx.
		Preload("Links", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Devices", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}

	u := &identity.User{
		ID:           row.ID,
		DisplayName:  row.Name,
		AvatarURL:    row.Avatar,
		PrimaryEmail: row.Email,
		Subjects:     make(map[identity.Provider]identity.Subject, len(row.Links)),
		Guest:        row.Guest,
		Online:       row.Online,
	}
	for _, l := range row.Links {
		var claims identity.Claims
		if l.Claims != "" {
			if err := json.Unmarshal([]byte(l.Claims), &claims); err != nil {
				s.log.Warn("dropping unreadable provider claims",
					zap.String("user", row.ID), zap.String("provider", l.Provider), zap.Error(err))
			}
		}
		p := identity.Provider(l.Provider)
		u.Subjects[p] = identity.Subject{Provider: p, ID: l.Subject, Claims: claims}
	}
	for _, d := range row.Devices {
		u.Devices = append(u.Devices, identity.Device{
			Token:    d.Token,
			Provider: identity.Provider(d.Provider),
			IssuedAt: d.IssuedAt,
			Addr:     d.Addr,
			Agent:    d.Agent,
		})
	}
	return u, nil
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}
