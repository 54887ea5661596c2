package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
)

func TestJobCursor_RoundTrip(t *testing.T) {
	in := &jobs.Cursor{
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		JobID:     "0b7e7a4e-4a57-4d3c-9d55-7d3c1c8f2a10",
	}

	out, err := DecodeJobCursor(EncodeJobCursor(in))
	require.NoError(t, err)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.JobID, out.JobID)
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	tests := []string{
		"%%%",
		EncodeJobCursor(&jobs.Cursor{JobID: "not-a-uuid"}),
		"MTIzNA", // "1234", no separator
	}

	for _, in := range tests {
		_, err := DecodeJobCursor(in)
		assert.Error(t, err, in)
	}

	c, err := DecodeJobCursor("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}
