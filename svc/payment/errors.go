package payment

import "errors"

var (
	ErrNotFound            = errors.New("payment not found")
	ErrDuplicateInvoice    = errors.New("invoice already recorded")
	ErrConflict            = errors.New("payment was modified concurrently")
	ErrUnsupportedCurrency = errors.New("pay currency not supported by plan")
	ErrInvalidPayload      = errors.New("invalid webhook payload")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrGatewayRejected     = errors.New("payment gateway rejected request")
)
