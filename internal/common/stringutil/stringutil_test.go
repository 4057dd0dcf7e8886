package stringutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", TruncateString("abc", 5))
	assert.Equal(t, "abcde", TruncateString("abcdefgh", 5))
	assert.Equal(t, "", TruncateString("", 5))
}

func TestTruncateStringWithEllipsis(t *testing.T) {
	assert.Equal(t, "abc", TruncateStringWithEllipsis("abc", 10))
	assert.Equal(t, "abcdefg...", TruncateStringWithEllipsis("abcdefghijk", 10))
	assert.Equal(t, "ab", TruncateStringWithEllipsis("abcd", 2))
}

func TestKebab(t *testing.T) {
	assert.Equal(t, "fix-the-login-bug", Kebab("Fix the login bug!"))
	assert.Equal(t, "a-b-c", Kebab("a   b---c"))
	assert.Equal(t, "", Kebab("!!!"))
}

func TestTaskSlug(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	slug := TaskSlug("Refactor the auth middleware", 50, now)
	assert.Equal(t, "refactor-the-auth-middleware-20260314-092653", slug)

	// Long commands are capped at the head limit before the timestamp.
	long := TaskSlug("implement a very long command line that keeps going and going forever", 50, now)
	assert.LessOrEqual(t, len(long), 50+len("-20060102-150405"))
	assert.Contains(t, long, "-20260314-092653")

	// Commands with no usable characters still produce a slug.
	assert.Equal(t, "task-20260314-092653", TaskSlug("???", 50, now))
}
