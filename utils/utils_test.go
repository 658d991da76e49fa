package utils

import (
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
)

func TestGenUuidFromStrings(t *testing.T) {
	a := GenUuidFromStrings("treasury")
	b := GenUuidFromStrings("treasury")
	assert.Equal(t, a, b)

	_, err := uuid.FromString(a)
	assert.NoError(t, err)

	assert.NotEqual(t, a, GenUuidFromStrings("ops"))
}

func TestGenUuidFromStringsOrderIndependent(t *testing.T) {
	a := GenUuidFromStrings("one", "two")
	b := GenUuidFromStrings("two", "one")
	assert.Equal(t, a, b)
}

func TestGenUuidFromStringsEmpty(t *testing.T) {
	a := GenUuidFromStrings()
	b := GenUuidFromStrings(uuid.Nil.String())
	assert.Equal(t, a, b)
}
