package actuator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"rate limited", RateLimited("limit reached"), KindRateLimited},
		{"moderated", Moderated(""), KindModerated},
		{"timeout", Timeout("no video"), KindTimeout},
		{"wrapped moderated", fmt.Errorf("segment 2: %w", Moderated("")), KindModerated},
		{"plain error", errors.New("boom"), KindOther},
		{"explicit other", Other("upload failed", errors.New("eof")), KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

func TestFailure_Error(t *testing.T) {
	assert.Equal(t, "moderated", Moderated("").Error())
	assert.Equal(t, "upload failed: eof", Other("upload failed", errors.New("eof")).Error())

	inner := errors.New("eof")
	assert.ErrorIs(t, Other("upload failed", inner), inner)
}
