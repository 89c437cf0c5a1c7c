package rabbitmq

import "errors"

// ConsumerError marks a business-level consumer failure. The delivery is
// requeued while the message is young enough, then rejected.
type ConsumerError struct {
	err error
}

func NewConsumerError(err error) *ConsumerError {
	return &ConsumerError{err: err}
}

func (e *ConsumerError) Error() string { return "consumer error: " + e.err.Error() }

func (e *ConsumerError) Unwrap() error { return e.err }

func IsConsumerError(err error) bool {
	var consumerError *ConsumerError

	return errors.As(err, &consumerError)
}

// UnprocessableError marks a delivery that can never succeed, such as a
// malformed payload. It is rejected without requeue.
type UnprocessableError struct {
	err error
}

func NewUnprocessableError(err error) *UnprocessableError {
	return &UnprocessableError{err: err}
}

func (e *UnprocessableError) Error() string { return "unprocessable delivery: " + e.err.Error() }

func (e *UnprocessableError) Unwrap() error { return e.err }

func IsUnprocessableError(err error) bool {
	var unprocessableError *UnprocessableError

	return errors.As(err, &unprocessableError)
}
