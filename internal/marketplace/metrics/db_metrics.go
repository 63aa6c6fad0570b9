package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/datarand/datarand-backend/internal/marketplace/store"
)

// TrackDBOperation returns a func to call with the operation's error.
func TrackDBOperation(operation string, table string) func(error) {
	startTime := time.Now()
	return func(err error) {
		duration := time.Since(startTime).Seconds()
		status := "success"
		if err != nil {
			status = "error"
			TrackDBError(err)
		}

		DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
		DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration)

		if duration > 1.0 {
			DBSlowQueriesTotal.WithLabelValues("1s").Inc()
		}
	}
}

func TrackDBError(err error) {
	if err == nil {
		return
	}

	errorType := "other"
	switch {
	case errors.Is(err, store.ErrNotFound):
		errorType = "not_found"
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicate):
		errorType = "conflict"
	case errors.Is(err, store.ErrCapacity):
		errorType = "capacity"
	case errors.Is(err, context.DeadlineExceeded):
		errorType = "timeout"
	}

	DatabaseErrorsTotal.WithLabelValues(errorType).Inc()
}

func TrackEscrowCall(method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	EscrowCallsTotal.WithLabelValues(method, outcome).Inc()
}
