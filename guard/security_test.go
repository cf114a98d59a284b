package guard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize_StripsDisallowedCharacters(t *testing.T) {
	assert.Equal(t, "scriptalert(1)/script", sanitize(`<script>alert('1')</script>`))
}

func TestSanitize_CapsLength(t *testing.T) {
	long := strings.Repeat("a", maxSanitizedLength+500)
	got := sanitize(long)
	assert.Len(t, got, maxSanitizedLength)
}

func TestSanitize_ShortStringUnaffectedByCap(t *testing.T) {
	assert.Equal(t, "/widgets", sanitize("/widgets"))
}
