package state

import "errors"

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidPrice        = errors.New("invalid price")
	ErrInvalidRatio        = errors.New("invalid maintenance margin ratio")
	ErrInvalidTrader       = errors.New("invalid trader id")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrPositionAlreadyOpen = errors.New("position already open")
	ErrNoOpenPosition      = errors.New("no open position")
	ErrNoPrice             = errors.New("no oracle price")
)
