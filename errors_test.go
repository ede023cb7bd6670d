package remit

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jerry-enebeli/remit/internal/apierror"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestClassifyStoreError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"version conflict", apierror.NewAPIError(apierror.ErrConflict, "version moved", nil), KindContended, true},
		{"lost claim", apierror.NewAPIError(apierror.ErrStaleClaim, "claimed elsewhere", nil), KindContended, true},
		{"deadlock detected", fmt.Errorf("update balance: %w", &pq.Error{Code: "40P01"}), KindContended, true},
		{"serialization failure", &pq.Error{Code: "40001"}, KindContended, true},
		{"store down", apierror.NewAPIError(apierror.ErrInternalServer, "boom", errors.New("dial tcp")), KindInfrastructureError, true},
		{"plain error", errors.New("connection reset"), KindInfrastructureError, true},
		{"already classified", malformedEvent(errors.New("bad json")), KindMalformedEvent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyStoreError(tt.err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.retryable, got.Retryable)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestIsRetryableAndErrorClass(t *testing.T) {
	wrapped := fmt.Errorf("dispatching: %w", contended(errors.New("busy")))
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, "Contended", ErrorClass(wrapped))

	assert.False(t, IsRetryable(malformedEvent(errors.New("no key"))))
	assert.Equal(t, "MalformedEvent", ErrorClass(malformedEvent(errors.New("no key"))))

	assert.True(t, IsRetryable(errors.New("unknown")))
	assert.Equal(t, "InfrastructureError", ErrorClass(errors.New("unknown")))
	assert.False(t, IsRetryable(nil))
}

func TestTransferErrorMessage(t *testing.T) {
	assert.Equal(t, "Contended", (&TransferError{Kind: KindContended}).Error())
	assert.Equal(t, "InfrastructureError: down", infrastructure(errors.New("down")).Error())
}
