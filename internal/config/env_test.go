// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseString(t *testing.T) {
	t.Setenv("MEDVAULT_TEST_STR", "value")
	assert.Equal(t, "value", ParseString("MEDVAULT_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", ParseString("MEDVAULT_TEST_STR_UNSET", "fallback"))

	t.Setenv("MEDVAULT_TEST_EMPTY", "")
	assert.Equal(t, "fallback", ParseString("MEDVAULT_TEST_EMPTY", "fallback"))
}

func TestParseInt(t *testing.T) {
	t.Setenv("MEDVAULT_TEST_INT", "42")
	assert.Equal(t, 42, ParseInt("MEDVAULT_TEST_INT", 7))

	t.Setenv("MEDVAULT_TEST_INT", "nope")
	assert.Equal(t, 7, ParseInt("MEDVAULT_TEST_INT", 7))
}

func TestParseDuration(t *testing.T) {
	t.Setenv("MEDVAULT_TEST_DUR", "90s")
	assert.Equal(t, 90*time.Second, ParseDuration("MEDVAULT_TEST_DUR", time.Minute))

	t.Setenv("MEDVAULT_TEST_DUR", "90")
	assert.Equal(t, time.Minute, ParseDuration("MEDVAULT_TEST_DUR", time.Minute))
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"true", "1", "yes", "YES"} {
		t.Setenv("MEDVAULT_TEST_BOOL", v)
		assert.True(t, ParseBool("MEDVAULT_TEST_BOOL", false), v)
	}
	for _, v := range []string{"false", "0", "no"} {
		t.Setenv("MEDVAULT_TEST_BOOL", v)
		assert.False(t, ParseBool("MEDVAULT_TEST_BOOL", true), v)
	}
	t.Setenv("MEDVAULT_TEST_BOOL", "maybe")
	assert.True(t, ParseBool("MEDVAULT_TEST_BOOL", true))
}

func TestParseFloat(t *testing.T) {
	t.Setenv("MEDVAULT_TEST_FLOAT", "0.25")
	assert.Equal(t, 0.25, ParseFloat("MEDVAULT_TEST_FLOAT", 1.0))

	t.Setenv("MEDVAULT_TEST_FLOAT", "x")
	assert.Equal(t, 1.0, ParseFloat("MEDVAULT_TEST_FLOAT", 1.0))
}
