package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionState_Transitions(t *testing.T) {
	cases := []struct {
		from, to SessionState
		ok       bool
	}{
		{SessionCreated, SessionStored, true},
		{SessionStored, SessionExtracting, true},
		{SessionExtracting, SessionParsing, true},
		{SessionParsing, SessionEncrypting, true},
		{SessionEncrypting, SessionPersisted, true},
		{SessionStored, SessionFailed, true},
		{SessionEncrypting, SessionFailed, true},
		{SessionFailed, SessionDeleted, true},
		{SessionStored, SessionDeleted, true},
		// never backwards
		{SessionParsing, SessionExtracting, false},
		{SessionPersisted, SessionExtracting, false},
		// never skip forward
		{SessionStored, SessionParsing, false},
		{SessionCreated, SessionEncrypting, false},
		// terminal states never fail again
		{SessionDeleted, SessionFailed, false},
		{SessionPersisted, SessionFailed, false},
		{SessionDeleted, SessionDeleted, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanAdvanceTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestSessionState_HoldsArtifact(t *testing.T) {
	holding := []SessionState{SessionStored, SessionExtracting, SessionParsing, SessionEncrypting}
	for _, s := range holding {
		assert.True(t, s.HoldsArtifact(), string(s))
	}
	for _, s := range []SessionState{SessionCreated, SessionPersisted, SessionFailed, SessionDeleted} {
		assert.False(t, s.HoldsArtifact(), string(s))
	}
}

func TestFailureCode_Transient(t *testing.T) {
	assert.True(t, FailEngineTimeout.Transient())
	assert.True(t, FailEngineCrash.Transient())
	assert.False(t, FailUnreadableFormat.Transient())
	assert.False(t, FailEmptyOutput.Transient())
	assert.False(t, FailKeyUnavailable.Transient())
	assert.False(t, FailNoRecognizedFields.Transient())
}

func TestSession_View_StripsSensitiveFields(t *testing.T) {
	now := time.Now()
	s := &Session{
		ID:               "abc",
		Owner:            "user-1",
		State:            SessionExtracting,
		OriginalFilename: "cbc.pdf",
		ArtifactPath:     "/spool/abc_1_cbc.pdf",
		ScratchDir:       "/spool/scratch/abc",
		CreatedAtUnix:    now.Unix(),
		DeadlineUnix:     now.Add(time.Minute).Unix(),
	}
	v := s.View()
	assert.Equal(t, "abc", v.ID)
	assert.False(t, v.ArtifactDeleted)
	// The projection must not leak paths; compile-time absence is the real
	// guarantee, this just pins the marshalled surface.
	assert.NotContains(t, toJSON(t, v), "spool")
}

func TestIsSafeSessionID(t *testing.T) {
	assert.True(t, IsSafeSessionID("a1b2-c3"))
	assert.False(t, IsSafeSessionID("../etc"))
	assert.False(t, IsSafeSessionID(""))
	assert.False(t, IsSafeSessionID("x/y"))
}
