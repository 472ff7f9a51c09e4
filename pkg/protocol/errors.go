package protocol

import "errors"

// Sentinel errors for every failure the core can report. Call sites wrap
// these with fmt.Errorf("...: %w", Err...) to attach the triggering values;
// callers branch with errors.Is and classify with KindOf.
var (
	// Validation: malformed, expired, or mismatched input.
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrOrderExpired      = errors.New("order expired")
	ErrSideMismatch      = errors.New("order sides do not match")
	ErrMarketMismatch    = errors.New("orders target different markets")
	ErrPriceCross        = errors.New("buy price below sell price")
	ErrZeroFill          = errors.New("zero fill size")
	ErrBelowMinimumFill  = errors.New("fill below minimum")
	ErrExceedsRemaining  = errors.New("amount exceeds remaining")
	ErrExpired           = errors.New("deadline passed")

	// State: operation conflicts with the current lifecycle state.
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrAlreadyMapped         = errors.New("already mapped to real asset")
	ErrTokenNotMapped        = errors.New("token not mapped to real asset")
	ErrAlreadySettled        = errors.New("trade already settled")
	ErrAlreadyCancelled      = errors.New("trade already cancelled")
	ErrGracePeriodNotExpired = errors.New("grace period not expired")
	ErrTradingPaused         = errors.New("trading paused")

	// Resource: balances or deliverable assets are short.
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInsufficientDelivery   = errors.New("insufficient delivery")

	// Authorization: wrong caller, missing role, or bad nonce.
	ErrUnauthorized  = errors.New("caller not authorized")
	ErrMissingRole   = errors.New("caller missing required role")
	ErrNonceMismatch = errors.New("nonce mismatch")
)

// Kind is the coarse error taxonomy reported alongside the sentinel.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindState
	KindResource
	KindAuthorization
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindResource:
		return "resource"
	case KindAuthorization:
		return "authorization"
	default:
		return "unknown"
	}
}

var kinds = map[error]Kind{
	ErrInvalidSignature:  KindValidation,
	ErrInvalidParameters: KindValidation,
	ErrInvalidAddress:    KindValidation,
	ErrOrderExpired:      KindValidation,
	ErrSideMismatch:      KindValidation,
	ErrMarketMismatch:    KindValidation,
	ErrPriceCross:        KindValidation,
	ErrZeroFill:          KindValidation,
	ErrBelowMinimumFill:  KindValidation,
	ErrExceedsRemaining:  KindValidation,
	ErrExpired:           KindValidation,

	ErrNotFound:              KindState,
	ErrAlreadyExists:         KindState,
	ErrAlreadyMapped:         KindState,
	ErrTokenNotMapped:        KindState,
	ErrAlreadySettled:        KindState,
	ErrAlreadyCancelled:      KindState,
	ErrGracePeriodNotExpired: KindState,
	ErrTradingPaused:         KindState,

	ErrInsufficientBalance:    KindResource,
	ErrInsufficientCollateral: KindResource,
	ErrInsufficientDelivery:   KindResource,

	ErrUnauthorized:  KindAuthorization,
	ErrMissingRole:   KindAuthorization,
	ErrNonceMismatch: KindAuthorization,
}

// KindOf classifies err by the sentinel it wraps.
func KindOf(err error) Kind {
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
