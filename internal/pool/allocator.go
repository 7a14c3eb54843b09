package pool

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ovpnhub/accessd/internal/models"
)

// Allocation errors.
var (
	// ErrExhausted indicates the bucket has no free, usable credential.
	ErrExhausted = errors.New("pool: bucket exhausted")
	// ErrNotFound indicates the credential row does not exist.
	ErrNotFound = errors.New("pool: credential not found")
)

// inviteURLPrefix wraps raw access strings into the share link handed to users.
const inviteURLPrefix = "https://s3.amazonaws.com/outline-vpn/invite.html#"

// Allocator hands out credentials from finite per-bucket pools.
type Allocator struct {
	db *gorm.DB
}

// NewAllocator constructs an Allocator.
func NewAllocator(db *gorm.DB) *Allocator {
	return &Allocator{db: db}
}

// Claim atomically assigns one free credential from the bucket to the user.
// The row lock plus the conditional update close the read-then-write race:
// two concurrent claims can never take the same row.
func (a *Allocator) Claim(ctx context.Context, bucketID string, userID uint64) (*models.Credential, error) {
	if a == nil || a.db == nil {
		return nil, errors.New("pool: allocator not initialized")
	}
	bucketID = strings.TrimSpace(bucketID)
	if bucketID == "" {
		return nil, errors.New("pool: bucket id is required")
	}
	if userID == 0 {
		return nil, errors.New("pool: user id is required")
	}

	var cred models.Credential
	errTx := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("bucket_id = ? AND claimed = ? AND banned = ?", bucketID, false, false).
			Order("id ASC").
			First(&cred).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrExhausted
			}
			return errFind
		}

		now := time.Now().UTC()
		res := tx.Model(&models.Credential{}).
			Where("id = ? AND claimed = ?", cred.ID, false).
			Updates(map[string]any{
				"claimed":        true,
				"holder_user_id": userID,
				"claimed_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Another claim won the row between select and update.
			return ErrExhausted
		}

		cred.Claimed = true
		cred.HolderUserID = &userID
		cred.ClaimedAt = &now
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return &cred, nil
}

// Release returns a credential to the free pool. Only voluntary cancellation
// releases credentials; expiry leaves them claimed.
func (a *Allocator) Release(ctx context.Context, credentialID uint64) error {
	if a == nil || a.db == nil {
		return errors.New("pool: allocator not initialized")
	}
	res := a.db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("id = ?", credentialID).
		Updates(map[string]any{
			"claimed":        false,
			"holder_user_id": nil,
			"claimed_at":     nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ban permanently removes a credential from circulation.
func (a *Allocator) Ban(ctx context.Context, credentialID uint64) error {
	if a == nil || a.db == nil {
		return errors.New("pool: allocator not initialized")
	}
	res := a.db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("id = ?", credentialID).
		Update("banned", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Seed inserts credential values into a bucket. Raw access strings are wrapped
// into invite links; values already present are skipped.
func (a *Allocator) Seed(ctx context.Context, bucketID string, values []string) (int, error) {
	if a == nil || a.db == nil {
		return 0, errors.New("pool: allocator not initialized")
	}
	bucketID = strings.TrimSpace(bucketID)
	if bucketID == "" {
		return 0, errors.New("pool: bucket id is required")
	}

	rows := make([]models.Credential, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if strings.HasPrefix(value, "ss://") {
			value = inviteURLPrefix + value
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		rows = append(rows, models.Credential{
			BucketID: bucketID,
			Value:    value,
		})
	}
	if len(rows) == 0 {
		return 0, errors.New("pool: no usable values")
	}

	res := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "value"}}, DoNothing: true}).
		Create(&rows)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// BucketCount summarizes one bucket's inventory.
type BucketCount struct {
	BucketID string `json:"bucket_id"`
	Free     int64  `json:"free"`
	Claimed  int64  `json:"claimed"`
	Banned   int64  `json:"banned"`
}

// Counts tallies free/claimed/banned credentials per bucket.
func (a *Allocator) Counts(ctx context.Context) ([]BucketCount, error) {
	if a == nil || a.db == nil {
		return nil, errors.New("pool: allocator not initialized")
	}
	var counts []BucketCount
	errFind := a.db.WithContext(ctx).
		Model(&models.Credential{}).
		Select("bucket_id, " +
			"SUM(CASE WHEN banned THEN 0 WHEN claimed THEN 0 ELSE 1 END) AS free, " +
			"SUM(CASE WHEN banned THEN 0 WHEN claimed THEN 1 ELSE 0 END) AS claimed, " +
			"SUM(CASE WHEN banned THEN 1 ELSE 0 END) AS banned").
		Group("bucket_id").
		Order("bucket_id ASC").
		Scan(&counts).Error
	if errFind != nil {
		return nil, errFind
	}
	return counts, nil
}

// FreeCount returns the number of claimable credentials in one bucket.
func (a *Allocator) FreeCount(ctx context.Context, bucketID string) (int64, error) {
	if a == nil || a.db == nil {
		return 0, errors.New("pool: allocator not initialized")
	}
	var n int64
	errCount := a.db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("bucket_id = ? AND claimed = ? AND banned = ?", bucketID, false, false).
		Count(&n).Error
	if errCount != nil {
		return 0, errCount
	}
	return n, nil
}
