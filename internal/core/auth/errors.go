package auth

import (
	"errors"
	"fmt"

	"github.com/cadenza-automation/cadenza/internal/types"
)

// Signature errors all match types.ErrInvalidSignature with errors.Is.
var (
	ErrMissingSignature   = fmt.Errorf("%w: signature required", types.ErrInvalidSignature)
	ErrMalformedSignature = fmt.Errorf("%w: malformed signature", types.ErrInvalidSignature)
	ErrSignatureMismatch  = fmt.Errorf("%w: signature mismatch", types.ErrInvalidSignature)
	ErrInvalidSecretSpec  = errors.New("invalid webhook secret spec")
)
