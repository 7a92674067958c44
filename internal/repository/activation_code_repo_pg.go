package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"codegate/activation/internal/model"
)

const usageLogSavepoint = "usage_log"

type pgActivationCodeRepository struct {
	db *gorm.DB
}

func NewPGActivationCodeRepository(db *gorm.DB) ActivationCodeRepository {
	return &pgActivationCodeRepository{db: db}
}

func (r *pgActivationCodeRepository) Create(ctx context.Context, code *model.ActivationCode) error {
	return r.db.WithContext(ctx).Create(code).Error
}

func (r *pgActivationCodeRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ActivationCode, error) {
	var code model.ActivationCode
	if err := r.db.WithContext(ctx).First(&code, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &code, nil
}

func (r *pgActivationCodeRepository) GetByCode(ctx context.Context, code string) (*model.ActivationCode, error) {
	var activationCode model.ActivationCode
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&activationCode).Error; err != nil {
		return nil, err
	}
	return &activationCode, nil
}

func (r *pgActivationCodeRepository) List(ctx context.Context) ([]model.ActivationCode, error) {
	var codes []model.ActivationCode
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&codes).Error; err != nil {
		return nil, err
	}
	return codes, nil
}

func (r *pgActivationCodeRepository) Update(ctx context.Context, id uuid.UUID, patch CodePatch) (*model.ActivationCode, error) {
	if patch.Empty() {
		return r.GetByID(ctx, id)
	}
	var rows []model.ActivationCode
	res := r.db.WithContext(ctx).
		Model(&rows).
		Clauses(clause.Returning{}).
		Where("id = ?", id).
		Updates(patch.columns())
	return firstReturned(res, rows)
}

func (r *pgActivationCodeRepository) Toggle(ctx context.Context, id uuid.UUID) (*model.ActivationCode, error) {
	var rows []model.ActivationCode
	res := r.db.WithContext(ctx).
		Model(&rows).
		Clauses(clause.Returning{}).
		Where("id = ?", id).
		Update("is_active", gorm.Expr("NOT is_active"))
	return firstReturned(res, rows)
}

func (r *pgActivationCodeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&model.ActivationCode{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *pgActivationCodeRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&model.ActivationCode{}).
		Where("id = ? AND is_active", id).
		UpdateColumn("is_active", false).
		Error
}

// Consume is a single conditional UPDATE: the cap, expiry, active flag and
// device binding are re-checked by the database under the row lock, so two
// concurrent consumers can never both pass the cap.
func (r *pgActivationCodeRepository) Consume(ctx context.Context, req ConsumeRequest) (*model.ActivationCode, error) {
	var consumed *model.ActivationCode
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []model.ActivationCode
		q := tx.Model(&rows).
			Clauses(clause.Returning{}).
			Where("id = ? AND is_active", req.CodeID).
			Where("(max_uses IS NULL OR used_count < max_uses)").
			Where("(expires_at IS NULL OR expires_at >= ?)", req.Now)

		cols := map[string]interface{}{
			"used_count":   gorm.Expr("used_count + 1"),
			"last_used_at": req.Now,
		}
		if req.BindDevice {
			if req.Fingerprint == "" {
				q = q.Where("device_fingerprint IS NULL")
			} else {
				q = q.Where("(device_fingerprint IS NULL OR device_fingerprint = ?)", req.Fingerprint)
				cols["device_fingerprint"] = gorm.Expr("COALESCE(device_fingerprint, ?)", req.Fingerprint)
			}
		}

		res := q.Updates(cols)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 || len(rows) == 0 {
			return nil
		}
		consumed = &rows[0]

		if req.Log == nil {
			return nil
		}
		if err := tx.SavePoint(usageLogSavepoint).Error; err != nil {
			return err
		}
		entry := *req.Log
		entry.CodeID = &consumed.ID
		if err := tx.Create(&entry).Error; err != nil {
			if rbErr := tx.RollbackTo(usageLogSavepoint).Error; rbErr != nil {
				return rbErr
			}
			if req.OnLogError != nil {
				req.OnLogError(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

const statsQuery = `
SELECT
	COUNT(*) AS total,
	COALESCE(SUM(CASE WHEN expires_at IS NOT NULL AND expires_at < @now THEN 1 ELSE 0 END), 0) AS expired,
	COALESCE(SUM(CASE WHEN (expires_at IS NULL OR expires_at >= @now) AND NOT is_active THEN 1 ELSE 0 END), 0) AS disabled,
	COALESCE(SUM(CASE WHEN (expires_at IS NULL OR expires_at >= @now) AND is_active
		AND max_uses IS NOT NULL AND used_count >= max_uses THEN 1 ELSE 0 END), 0) AS exhausted,
	COALESCE(SUM(CASE WHEN (expires_at IS NULL OR expires_at >= @now) AND is_active
		AND (max_uses IS NULL OR used_count < max_uses) THEN 1 ELSE 0 END), 0) AS active,
	COALESCE(SUM(used_count), 0) AS total_uses
FROM activation_codes`

func (r *pgActivationCodeRepository) Stats(ctx context.Context, now time.Time) (*CodeStats, error) {
	var stats CodeStats
	if err := r.db.WithContext(ctx).
		Raw(statsQuery, map[string]interface{}{"now": now}).
		Scan(&stats).Error; err != nil {
		return nil, err
	}
	return &stats, nil
}

func (r *pgActivationCodeRepository) ListUsage(ctx context.Context, codeID uuid.UUID, limit int) ([]model.UsageLog, error) {
	var logs []model.UsageLog
	q := r.db.WithContext(ctx).Where("code_id = ?", codeID).Order("used_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *pgActivationCodeRepository) RecordAttempt(ctx context.Context, attempt *model.ValidationAttempt) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

func firstReturned(res *gorm.DB, rows []model.ActivationCode) (*model.ActivationCode, error) {
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 || len(rows) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &rows[0], nil
}
