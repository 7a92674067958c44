package service

import (
	"context"

	"go.uber.org/zap"

	"codegate/activation/internal/metrics"
)

// AccessService is the single entry point callers use to present a code: the
// throttle gate runs first, then the ledger, then the throttle is updated with
// the outcome.
type AccessService interface {
	Verify(ctx context.Context, in ValidateInput) (*ValidationResult, error)
}

type accessService struct {
	ledger   LedgerService
	throttle *Throttle
	logger   *zap.Logger
}

func NewAccessService(ledger LedgerService, throttle *Throttle, logger *zap.Logger) AccessService {
	return &accessService{ledger: ledger, throttle: throttle, logger: logger}
}

func (s *accessService) Verify(ctx context.Context, in ValidateInput) (*ValidationResult, error) {
	if err := s.throttle.Check(ctx, in.Origin); err != nil {
		metrics.ValidationsTotal.WithLabelValues(KindLocked).Inc()
		return nil, err
	}

	res, err := s.ledger.ValidateAndConsume(ctx, in)
	switch {
	case err == nil:
		s.throttle.Succeed(ctx, in.Origin)
	case IsValidationFailure(err):
		s.throttle.Fail(ctx, in.Origin)
	default:
		s.logger.Error("activation code validation failed", zap.String("origin", in.Origin), zap.Error(err))
	}

	kind := ErrorKind(err)
	if kind == "" {
		kind = KindStorage
	}
	metrics.ValidationsTotal.WithLabelValues(kind).Inc()
	return res, err
}
