package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"codegate/activation/internal/config"
	"codegate/activation/internal/metrics"
	"codegate/activation/internal/model"
	"codegate/activation/internal/repository"
	"codegate/activation/pkg/crypto"
)

const (
	expiryDateLayout = "2006-01-02"
	auditPrefixLen   = 8
	readRetryBackoff = 20 * time.Millisecond
)

type ValidateInput struct {
	Code        string
	Origin      string
	Fingerprint string
}

type ValidationResult struct {
	OK            bool `json:"ok"`
	RemainingUses *int `json:"remaining_uses,omitempty"`
	RemainingDays *int `json:"remaining_days,omitempty"`
}

type CreateCodeInput struct {
	// Code is optional; a code is generated when empty.
	Code string
	// ExpiresAt is a YYYY-MM-DD date and wins over DurationDays.
	ExpiresAt string
	// DurationDays nil uses the configured default, 0 means no expiry.
	DurationDays *int
	// UsageLimit nil uses the configured default, 0 means unlimited.
	UsageLimit    *int
	CustomerName  string
	CustomerEmail string
}

type UpdateCodeInput struct {
	// ExpiresAt set to "" clears the expiry.
	ExpiresAt *string
	// UsageLimit set to 0 removes the cap.
	UsageLimit    *int
	IsActive      *bool
	CustomerName  *string
	CustomerEmail *string
}

// CodeView is an activation code with its live derived state.
type CodeView struct {
	*model.ActivationCode
	Status        model.CodeStatus `json:"status"`
	RemainingUses *int             `json:"remaining_uses,omitempty"`
	RemainingDays *int             `json:"remaining_days,omitempty"`
}

type LedgerService interface {
	ValidateAndConsume(ctx context.Context, in ValidateInput) (*ValidationResult, error)
	CreateCode(ctx context.Context, in CreateCodeInput) (*CodeView, error)
	ListCodes(ctx context.Context) ([]CodeView, error)
	Lookup(ctx context.Context, code string) (*CodeView, error)
	Status(ctx context.Context, code string) (model.CodeStatus, error)
	Toggle(ctx context.Context, id uuid.UUID) (*CodeView, error)
	Update(ctx context.Context, id uuid.UUID, in UpdateCodeInput) (*CodeView, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (*repository.CodeStats, error)
	Usage(ctx context.Context, id uuid.UUID, limit int) ([]model.UsageLog, error)
}

type ledgerService struct {
	repo     repository.ActivationCodeRepository
	format   *CodeFormat
	cfg      config.CodeConfig
	loc      *time.Location
	logger   *zap.Logger
	now      func() time.Time
	sleepFor func(context.Context, time.Duration)
}

func NewLedgerService(repo repository.ActivationCodeRepository, format *CodeFormat, cfg config.CodeConfig, logger *zap.Logger) (LedgerService, error) {
	return newLedgerService(repo, format, cfg, logger)
}

func newLedgerService(repo repository.ActivationCodeRepository, format *CodeFormat, cfg config.CodeConfig, logger *zap.Logger) (*ledgerService, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load code timezone: %w", err)
	}
	if cfg.GenerateAttempts <= 0 {
		cfg.GenerateAttempts = 1
	}
	return &ledgerService{
		repo:     repo,
		format:   format,
		cfg:      cfg,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
		sleepFor: sleepCtx,
	}, nil
}

func (s *ledgerService) ValidateAndConsume(ctx context.Context, in ValidateInput) (*ValidationResult, error) {
	in.Fingerprint = normalizeFingerprint(in.Fingerprint)
	now := s.now()
	res, err := s.validate(ctx, in, now)
	s.audit(ctx, in, err, now)
	return res, err
}

func (s *ledgerService) validate(ctx context.Context, in ValidateInput, now time.Time) (*ValidationResult, error) {
	if !s.format.Valid(in.Code) {
		return nil, ErrInvalidFormat
	}

	code, err := s.lookup(ctx, in.Code)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, code, in.Fingerprint, now); err != nil {
		return nil, err
	}

	req := repository.ConsumeRequest{
		CodeID:      code.ID,
		Now:         now,
		BindDevice:  s.cfg.DeviceBinding,
		Fingerprint: in.Fingerprint,
		Log: &model.UsageLog{
			Code:              code.Code,
			Origin:            in.Origin,
			DeviceFingerprint: optionalString(in.Fingerprint),
			UsedAt:            now,
		},
		OnLogError: func(err error) {
			s.logger.Warn("usage log write failed, use kept",
				zap.String("code_id", code.ID.String()), zap.Error(err))
		},
	}
	consumed, err := s.repo.Consume(ctx, req)
	if err != nil {
		return nil, storageErr("consume activation code", err)
	}
	if consumed == nil {
		// Another request changed the row between the read and the conditional
		// update; the fresh row says why this one lost.
		current, err := s.lookup(ctx, in.Code)
		if err != nil {
			return nil, err
		}
		if err := s.check(ctx, current, in.Fingerprint, now); err != nil {
			return nil, err
		}
		return nil, ErrUsageExceeded
	}

	return &ValidationResult{
		OK:            true,
		RemainingUses: consumed.RemainingUses(),
		RemainingDays: consumed.RemainingDays(now),
	}, nil
}

// check applies the ordered validation rules to a snapshot. The expiry rule
// persists the deactivation before reporting it.
func (s *ledgerService) check(ctx context.Context, code *model.ActivationCode, fingerprint string, now time.Time) error {
	if !code.IsActive {
		if code.IsExpired(now) {
			return ErrCodeExpired
		}
		return ErrCodeDisabled
	}
	if code.IsExpired(now) {
		if err := s.repo.Deactivate(ctx, code.ID); err != nil {
			return storageErr("deactivate expired code", err)
		}
		return ErrCodeExpired
	}
	if code.IsExhausted() {
		return ErrUsageExceeded
	}
	if s.cfg.DeviceBinding && code.DeviceFingerprint != nil && *code.DeviceFingerprint != fingerprint {
		return ErrDeviceMismatch
	}
	return nil
}

// lookup is the only retried operation: a read has no side effects.
func (s *ledgerService) lookup(ctx context.Context, code string) (*model.ActivationCode, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.ReadRetries; attempt++ {
		if attempt > 0 {
			s.sleepFor(ctx, time.Duration(attempt)*readRetryBackoff)
			if ctx.Err() != nil {
				break
			}
		}
		c, err := s.repo.GetByCode(ctx, code)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCodeNotFound
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, storageErr("lookup activation code", lastErr)
}

// audit records the outcome best-effort; a failure here never changes the result.
func (s *ledgerService) audit(ctx context.Context, in ValidateInput, err error, now time.Time) {
	kind := ErrorKind(err)
	if kind == "" {
		kind = KindStorage
	}
	prefix := in.Code
	if len(prefix) > auditPrefixLen {
		prefix = prefix[:auditPrefixLen]
	}

	if err != nil {
		s.logger.Warn("suspicious activation attempt",
			zap.String("code_prefix", prefix),
			zap.String("origin", in.Origin),
			zap.String("reason", kind))
	}

	attempt := &model.ValidationAttempt{
		CodePrefix:        prefix,
		Origin:            in.Origin,
		DeviceFingerprint: in.Fingerprint,
		Outcome:           kind,
		CreatedAt:         now,
	}
	if recErr := s.repo.RecordAttempt(ctx, attempt); recErr != nil {
		s.logger.Warn("validation audit write failed", zap.String("outcome", kind), zap.Error(recErr))
	}
}

func (s *ledgerService) CreateCode(ctx context.Context, in CreateCodeInput) (*CodeView, error) {
	now := s.now()

	expiresAt, err := s.resolveExpiry(in.ExpiresAt, in.DurationDays, now)
	if err != nil {
		return nil, err
	}

	limit := s.cfg.DefaultUsageLimit
	if in.UsageLimit != nil {
		limit = *in.UsageLimit
	}
	maxUses, err := s.resolveUsageLimit(limit)
	if err != nil {
		return nil, err
	}

	email := strings.TrimSpace(in.CustomerEmail)
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	newCode := func(value string) *model.ActivationCode {
		return &model.ActivationCode{
			Code:          value,
			IsActive:      true,
			MaxUses:       maxUses,
			UsedCount:     0,
			ExpiresAt:     expiresAt,
			CustomerName:  strings.TrimSpace(in.CustomerName),
			CustomerEmail: email,
			CreatedAt:     now,
		}
	}

	if explicit := strings.TrimSpace(in.Code); explicit != "" {
		if !s.format.Valid(explicit) {
			return nil, ErrInvalidFormat
		}
		code := newCode(explicit)
		if err := s.repo.Create(ctx, code); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, ErrCodeExists
			}
			return nil, storageErr("create activation code", err)
		}
		return s.issued(code, now), nil
	}

	for attempt := 0; attempt < s.cfg.GenerateAttempts; attempt++ {
		value, err := s.format.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate activation code: %w", err)
		}

		_, err = s.repo.GetByCode(ctx, value)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, storageErr("check activation code existence", err)
		}

		code := newCode(value)
		if err := s.repo.Create(ctx, code); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				continue
			}
			return nil, storageErr("create activation code", err)
		}
		return s.issued(code, now), nil
	}
	return nil, ErrCodeGeneration
}

func (s *ledgerService) issued(code *model.ActivationCode, now time.Time) *CodeView {
	metrics.CodesIssuedTotal.Inc()
	s.logger.Info("activation code issued",
		zap.String("code_id", code.ID.String()),
		zap.Stringp("max_uses", intString(code.MaxUses)),
		zap.Timep("expires_at", code.ExpiresAt))
	return s.view(code, now)
}

// resolveExpiry turns a date into the last second of that day in the
// configured zone, or a duration into now plus whole days.
func (s *ledgerService) resolveExpiry(date string, durationDays *int, now time.Time) (*time.Time, error) {
	if date = strings.TrimSpace(date); date != "" {
		return s.parseExpiryDate(date)
	}
	days := s.cfg.DefaultDurationDays
	if durationDays != nil {
		days = *durationDays
	}
	if days < 0 {
		return nil, ErrInvalidDuration
	}
	if days == 0 {
		return nil, nil
	}
	t := now.Add(time.Duration(days) * 24 * time.Hour)
	return &t, nil
}

func (s *ledgerService) parseExpiryDate(date string) (*time.Time, error) {
	day, err := time.ParseInLocation(expiryDateLayout, date, s.loc)
	if err != nil {
		return nil, ErrInvalidExpiry
	}
	end := day.Add(24*time.Hour - time.Second)
	return &end, nil
}

func (s *ledgerService) resolveUsageLimit(limit int) (*int, error) {
	if limit < 0 || limit > s.cfg.MaxUsageLimit {
		return nil, ErrInvalidUsageLimit
	}
	if limit == 0 {
		return nil, nil
	}
	return &limit, nil
}

func validateEmail(email string) error {
	if email == "" {
		return nil
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidEmail
	}
	return nil
}

func (s *ledgerService) ListCodes(ctx context.Context) ([]CodeView, error) {
	codes, err := s.repo.List(ctx)
	if err != nil {
		return nil, storageErr("list activation codes", err)
	}
	now := s.now()
	views := make([]CodeView, 0, len(codes))
	for i := range codes {
		views = append(views, *s.view(&codes[i], now))
	}
	return views, nil
}

func (s *ledgerService) Lookup(ctx context.Context, code string) (*CodeView, error) {
	c, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.view(c, s.now()), nil
}

// Status is recomputed from the stored row on every call.
func (s *ledgerService) Status(ctx context.Context, code string) (model.CodeStatus, error) {
	c, err := s.lookup(ctx, code)
	if err != nil {
		return "", err
	}
	return c.Status(s.now()), nil
}

func (s *ledgerService) Toggle(ctx context.Context, id uuid.UUID) (*CodeView, error) {
	c, err := s.repo.Toggle(ctx, id)
	if err != nil {
		return nil, s.translate("toggle activation code", err)
	}
	s.logger.Info("activation code toggled", zap.String("code_id", id.String()), zap.Bool("is_active", c.IsActive))
	return s.view(c, s.now()), nil
}

func (s *ledgerService) Update(ctx context.Context, id uuid.UUID, in UpdateCodeInput) (*CodeView, error) {
	var patch repository.CodePatch

	if in.ExpiresAt != nil {
		patch.SetExpiresAt = true
		if date := strings.TrimSpace(*in.ExpiresAt); date != "" {
			t, err := s.parseExpiryDate(date)
			if err != nil {
				return nil, err
			}
			patch.ExpiresAt = t
		}
	}
	if in.UsageLimit != nil {
		maxUses, err := s.resolveUsageLimit(*in.UsageLimit)
		if err != nil {
			return nil, err
		}
		patch.SetMaxUses = true
		patch.MaxUses = maxUses
	}
	if in.CustomerEmail != nil {
		email := strings.TrimSpace(*in.CustomerEmail)
		if err := validateEmail(email); err != nil {
			return nil, err
		}
		patch.CustomerEmail = &email
	}
	if in.CustomerName != nil {
		name := strings.TrimSpace(*in.CustomerName)
		patch.CustomerName = &name
	}
	patch.IsActive = in.IsActive

	c, err := s.repo.Update(ctx, id, patch)
	if err != nil {
		return nil, s.translate("update activation code", err)
	}
	return s.view(c, s.now()), nil
}

func (s *ledgerService) Delete(ctx context.Context, id uuid.UUID) error {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return s.translate("load activation code", err)
	}

	s.logger.Info("deleting activation code",
		zap.String("code_id", c.ID.String()),
		zap.String("code", c.Code),
		zap.Int("used_count", c.UsedCount),
		zap.Bool("is_active", c.IsActive),
		zap.String("customer_email", c.CustomerEmail))

	if err := s.repo.Delete(ctx, id); err != nil {
		return s.translate("delete activation code", err)
	}
	return nil
}

func (s *ledgerService) Stats(ctx context.Context) (*repository.CodeStats, error) {
	stats, err := s.repo.Stats(ctx, s.now())
	if err != nil {
		return nil, storageErr("activation code stats", err)
	}
	return stats, nil
}

func (s *ledgerService) Usage(ctx context.Context, id uuid.UUID, limit int) ([]model.UsageLog, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, s.translate("load activation code", err)
	}
	logs, err := s.repo.ListUsage(ctx, id, limit)
	if err != nil {
		return nil, storageErr("list usage log", err)
	}
	return logs, nil
}

func (s *ledgerService) view(c *model.ActivationCode, now time.Time) *CodeView {
	return &CodeView{
		ActivationCode: c,
		Status:         c.Status(now),
		RemainingUses:  c.RemainingUses(),
		RemainingDays:  c.RemainingDays(now),
	}
}

func (s *ledgerService) translate(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrCodeNotFound
	}
	return storageErr(op, err)
}

// normalizeFingerprint keeps client supplied fingerprints within the stored
// column width. Longer values are replaced by their digest, which binds just
// as consistently.
func normalizeFingerprint(fp string) string {
	if len(fp) <= model.MaxFingerprintLength {
		return fp
	}
	return crypto.DeviceFingerprint(fp)
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func intString(v *int) *string {
	if v == nil {
		return nil
	}
	s := fmt.Sprint(*v)
	return &s
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ensure ledgerService implements LedgerService
var _ LedgerService = (*ledgerService)(nil)
