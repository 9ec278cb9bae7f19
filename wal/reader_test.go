package wal

import (
	"errors"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyDataTag(t *testing.T) {
	tag, err := copyDataTag([]byte{pglogrepl.XLogDataByteID, 0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, byte(pglogrepl.XLogDataByteID), tag)

	tag, err = copyDataTag([]byte{pglogrepl.PrimaryKeepaliveMessageByteID})
	require.NoError(t, err)
	assert.Equal(t, byte(pglogrepl.PrimaryKeepaliveMessageByteID), tag)
}

func TestCopyDataTagEmptyPayloadIsProtocolError(t *testing.T) {
	_, err := copyDataTag(nil)
	var protoErr *ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.Contains(t, protoErr.Error(), "empty copy data payload")

	_, err = copyDataTag([]byte{})
	assert.True(t, errors.As(err, &protoErr))
}
