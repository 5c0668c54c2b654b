package storageengine

import (
	"errors"
	"fmt"

	"github.com/sushant-115/gojotx/core/memory"
)

var ErrTransactionTooLarge = errors.New("transaction commands exceed the configured size")

// TransactionValidator checks the commands of a transaction before they are
// handed to the commit process.
type TransactionValidator interface {
	Validate(commands []Command) error
}

// ValidatorFactory creates one validator per pooled transaction.
type ValidatorFactory interface {
	CreateTransactionValidator(tracker memory.Tracker) TransactionValidator
	Close() error
}

// EmptyValidatorFactory creates validators that accept everything.
type EmptyValidatorFactory struct{}

func (EmptyValidatorFactory) CreateTransactionValidator(memory.Tracker) TransactionValidator {
	return emptyValidator{}
}

func (EmptyValidatorFactory) Close() error { return nil }

type emptyValidator struct{}

func (emptyValidator) Validate([]Command) error { return nil }

// SizeValidatorFactory rejects transactions whose commands exceed MaxBytes.
type SizeValidatorFactory struct {
	MaxBytes int64
}

func (f SizeValidatorFactory) CreateTransactionValidator(memory.Tracker) TransactionValidator {
	return sizeValidator{max: f.MaxBytes}
}

func (SizeValidatorFactory) Close() error { return nil }

type sizeValidator struct {
	max int64
}

func (v sizeValidator) Validate(commands []Command) error {
	if v.max <= 0 {
		return nil
	}
	var total int64
	for _, c := range commands {
		total += c.Size()
		if total > v.max {
			return fmt.Errorf("%w: more than %d bytes in %d commands", ErrTransactionTooLarge, v.max, len(commands))
		}
	}
	return nil
}

// NewValidatorFactory returns a size validator when maxBytes is positive and
// the empty validator otherwise.
func NewValidatorFactory(maxBytes int64) ValidatorFactory {
	if maxBytes > 0 {
		return SizeValidatorFactory{MaxBytes: maxBytes}
	}
	return EmptyValidatorFactory{}
}
