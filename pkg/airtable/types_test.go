package airtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlattenField(t *testing.T) {
	assert.Equal(t, "abc", flattenField("  abc  "))
	assert.Equal(t, "first", flattenField([]any{"first", "second"}))
	assert.Equal(t, "", flattenField([]any{}))
	assert.Equal(t, "", flattenField(nil))
	assert.Equal(t, "42", flattenField(float64(42)))
}

func TestMissingFields(t *testing.T) {
	a := &Account{Username: "u", Password: "p", PackageName: "com.x", DeviceID: "d"}
	assert.Empty(t, a.MissingFields())

	a.Password = ""
	assert.Equal(t, []string{"Password"}, a.MissingFields())

	empty := &Account{}
	assert.Len(t, empty.MissingFields(), 4)
}
