// SPDX-License-Identifier: MIT

package model

import "time"

// Measurement is one parsed lab result. It exists only in memory between
// parsing and encryption and is never persisted in plaintext.
type Measurement struct {
	TestName       string    `json:"test_name"`
	Value          string    `json:"value"`
	Unit           string    `json:"unit,omitempty"`
	ReferenceRange string    `json:"reference_range,omitempty"`
	ObservedAt     time.Time `json:"observed_at"`
}

// SessionView is the read-only projection exposed to the API layer.
// No artifact paths, no plaintext measurements, no key material.
type SessionView struct {
	ID               string       `json:"id"`
	Owner            string       `json:"owner"`
	State            SessionState `json:"state"`
	AnalysisType     AnalysisType `json:"analysisType,omitempty"`
	OriginalFilename string       `json:"originalFilename"`
	Failure          FailureCode  `json:"failure,omitempty"`
	RecordID         string       `json:"recordId,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	Deadline         time.Time    `json:"deadline"`
	LastTransition   time.Time    `json:"lastTransition"`
	ArtifactDeleted  bool         `json:"artifactDeleted"`
}

// View projects the session into its externally safe form.
func (s *Session) View() SessionView {
	return SessionView{
		ID:               s.ID,
		Owner:            s.Owner,
		State:            s.State,
		AnalysisType:     s.AnalysisType,
		OriginalFilename: s.OriginalFilename,
		Failure:          s.Failure,
		RecordID:         s.RecordID,
		CreatedAt:        time.Unix(s.CreatedAtUnix, 0).UTC(),
		Deadline:         time.Unix(s.DeadlineUnix, 0).UTC(),
		LastTransition:   time.Unix(s.LastTransitionUnix, 0).UTC(),
		ArtifactDeleted:  !s.HoldsArtifact(),
	}
}
