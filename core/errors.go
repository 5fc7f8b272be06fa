package core

import (
	goerrors "github.com/go-errors/errors"
)

// FailureKind classifies why a RAV request or receipt-processing pass
// failed. The Sender Actor and metrics layer branch on this to decide
// backoff and limiter behavior.
type FailureKind uint8

const (
	// KindAdapterError covers local failures: database unreachable,
	// escrow snapshot stale, serialization errors.
	KindAdapterError FailureKind = iota
	// KindTransportError covers aggregator RPC failures: connection
	// refused, timeout, context cancellation.
	KindTransportError
	// KindInvalidRAV covers a verified-but-wrong RAV: bad signature,
	// value/timestamp mismatch or regression. Treated as potential
	// sender misbehavior.
	KindInvalidRAV
	// KindAllReceiptsInvalid is the distinct outcome where every receipt
	// considered for aggregation failed validation.
	KindAllReceiptsInvalid
	// KindOther is a catch-all for failures that don't fit the above.
	KindOther
)

func (k FailureKind) String() string {
	switch k {
	case KindAdapterError:
		return "adapter_error"
	case KindTransportError:
		return "transport_error"
	case KindInvalidRAV:
		return "invalid_rav"
	case KindAllReceiptsInvalid:
		return "all_receipts_invalid"
	default:
		return "other"
	}
}

// Failure wraps an underlying error with its FailureKind, keeping a
// go-errors stack trace the way the teacher's htlcswitch/contractcourt
// packages wrap errors for post-mortem logging.
type Failure struct {
	Kind FailureKind
	Err  *goerrors.Error
}

// NewFailure wraps err with kind, capturing a stack trace if err doesn't
// already carry one.
func NewFailure(kind FailureKind, err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{Kind: kind, Err: goerrors.Wrap(err, 1)}
}

func (f *Failure) Error() string {
	if f == nil || f.Err == nil {
		return ""
	}
	return f.Kind.String() + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err.Err
}
