package types

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateClientID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateClientID()
		assert.Len(t, id, GeneratedClientIDLength)
		assert.NoError(t, ValidateClientID(id))
		for _, c := range id {
			assert.True(t, strings.ContainsRune(clientIDAlphabet, c), "unexpected character %q", c)
		}
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestValidateClientID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{name: "simple", id: "client-1", valid: true},
		{name: "dots and underscores", id: "a.b_c", valid: true},
		{name: "max length", id: strings.Repeat("a", MaxClientIDLength), valid: true},
		{name: "empty", id: ""},
		{name: "too long", id: strings.Repeat("a", MaxClientIDLength+1)},
		{name: "dot", id: "."},
		{name: "dot dot", id: ".."},
		{name: "path separator", id: "a/b"},
		{name: "parent escape", id: "../x"},
		{name: "space", id: "a b"},
		{name: "non ascii", id: "clïent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateClientID(tt.id)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, IsErrCode(err, ErrCodeInvalidClientID), "got %v", err)
		})
	}
}

func TestValidateGroup(t *testing.T) {
	assert.NoError(t, ValidateGroup("topicA"))
	assert.NoError(t, ValidateGroup("any thing/goes"))
	assert.True(t, IsErrCode(ValidateGroup(""), ErrCodeInvalidArgument))
}

func TestErrorChain(t *testing.T) {
	base := errors.New("boom")
	inner := WrapError(ErrCodeNoReader, "no reader", base)
	outer := WrapError(ErrCodeUnavailable, "broker is not running", inner)
	wrapped := fmt.Errorf("subscribe: %w", outer)

	assert.Equal(t, "UNAVAILABLE: broker is not running: NO_READER: no reader: boom", outer.Error())
	assert.True(t, IsErrCode(wrapped, ErrCodeUnavailable))
	assert.True(t, IsErrCode(wrapped, ErrCodeNoReader))
	assert.False(t, IsErrCode(wrapped, ErrCodeTimeout))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, ErrCodeUnavailable, GetErrorCode(wrapped))

	assert.False(t, IsErrCode(nil, ErrCodeUnavailable))
	assert.False(t, IsErrCode(base, ErrCodeUnavailable))
	assert.Empty(t, GetErrorCode(base))
	assert.Equal(t, "TIMEOUT: slow", NewError(ErrCodeTimeout, "slow").Error())
}

func TestMessageString(t *testing.T) {
	msg := Message{Origin: "A", Group: "g", Payload: []byte("hello")}
	assert.Equal(t, "Message{Origin: A, Group: g, Payload: 5 bytes}", msg.String())
}
