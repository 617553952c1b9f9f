package orders

import (
	"errors"
	"fmt"
)

type invalidParameterError struct {
	message string
}

func NewInvalidParameterError(message string) error {
	return &invalidParameterError{message: message}
}

func (err *invalidParameterError) Error() string {
	return err.message
}

type invalidStateError struct {
	state     string
	operation string
}

func NewInvalidStateError(state string, operation string) error {
	return &invalidStateError{state: state, operation: operation}
}

func (err *invalidStateError) Error() string {
	return fmt.Sprintf("cannot %s an order in state %s", err.operation, err.state)
}

type bondFailedError struct {
	cause error
}

func NewBondFailedError(cause error) error {
	return &bondFailedError{cause: cause}
}

func (err *bondFailedError) Error() string {
	return fmt.Sprintf("failed to secure taker bond: %s", err.cause.Error())
}

func (err *bondFailedError) Unwrap() error {
	return err.cause
}

type orderNotFoundError struct {
}

func NewOrderNotFoundError() error {
	return &orderNotFoundError{}
}

func (err *orderNotFoundError) Error() string {
	return "The order requested was not found"
}

func IsNotFound(err error) bool {
	var notFoundErr *orderNotFoundError
	return errors.As(err, &notFoundErr)
}

func IsInvalidState(err error) bool {
	var invalidStateErr *invalidStateError
	return errors.As(err, &invalidStateErr)
}

func IsInvalidParameter(err error) bool {
	var invalidParameterErr *invalidParameterError
	return errors.As(err, &invalidParameterErr)
}
