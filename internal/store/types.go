// Package store abstracts the experiment's persistent document store.
// It exposes the handful of primitives the engine needs — get/set,
// field-update, query-by-equality, and a transactional read-modify-write
// for the shared group-trial record — over interchangeable backends.
package store

import (
	"fmt"
	"time"
)

// Mode is a session's cohort assignment.
type Mode string

const (
	// ModeWaiting is the transient pooling state before promotion.
	ModeWaiting Mode = "waiting"
	// ModeSolo is a single-participant session.
	ModeSolo Mode = "solo"
	// ModeGroup is a three-participant session.
	ModeGroup Mode = "group"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusRunning Status = "running"
	StatusEnded   Status = "ended"
)

// Session is the top-level session document.
type Session struct {
	ID             string     `json:"id" firestore:"id"`
	Mode           Mode       `json:"mode" firestore:"mode"`
	Status         Status     `json:"status" firestore:"status"`
	Participants   []string   `json:"participants" firestore:"participants"`
	CreatedAt      time.Time  `json:"createdAt" firestore:"createdAt"`
	WaitingEndTime time.Time  `json:"waitingEndTime" firestore:"waitingEndTime"`
	EndedAt        *time.Time `json:"endedAt,omitempty" firestore:"endedAt"`
	AIMode         string     `json:"aiMode,omitempty" firestore:"aiMode"`
	TrialOrder     []int      `json:"trialOrder,omitempty" firestore:"trialOrder"`
	TrialCount     int        `json:"trialCount" firestore:"trialCount"`
	FinishedIDs    []string   `json:"finishedIDs" firestore:"finishedIDs"`
}

// HasParticipant reports whether id joined this session.
func (s *Session) HasParticipant(id string) bool {
	for _, p := range s.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so in-memory backends never alias caller state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Participants = append([]string(nil), s.Participants...)
	out.TrialOrder = append([]int(nil), s.TrialOrder...)
	out.FinishedIDs = append([]string(nil), s.FinishedIDs...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// ChatMessage is one deliberation-chat line, deduplicated at persistence
// time by (Sender, Timestamp).
type ChatMessage struct {
	Sender    string `json:"sender" firestore:"sender"`
	Text      string `json:"text" firestore:"text"`
	Timestamp int64  `json:"timestamp" firestore:"timestamp"`
}

// Submission is one participant's contribution to a trial.
type Submission struct {
	InitialWager int   `json:"initialWager" firestore:"initialWager"`
	FinalWager   int   `json:"finalWager" firestore:"finalWager"`
	WalletBefore int   `json:"walletBefore" firestore:"walletBefore"`
	WalletAfter  int   `json:"walletAfter" firestore:"walletAfter"`
	Timestamp    int64 `json:"timestamp" firestore:"timestamp"`
}

// TrialDocument is a per-trial record in a session's trials sub-collection.
// Solo sessions write one document per participant per trial (ClientID +
// Submission set). Group sessions share one document per trial
// (Submissions map + Chat transcript).
type TrialDocument struct {
	ID           string                `json:"id" firestore:"id"`
	TrialNumber  int                   `json:"trialNumber" firestore:"trialNumber"`
	Mode         Mode                  `json:"mode" firestore:"mode"`
	FighterData  map[string]string     `json:"fighterData,omitempty" firestore:"fighterData"`
	AIPrediction string                `json:"aiPrediction,omitempty" firestore:"aiPrediction"`
	AIRationale  string                `json:"aiRationale,omitempty" firestore:"aiRationale"`
	ClientID     string                `json:"clientID,omitempty" firestore:"clientID"`
	Submission   *Submission           `json:"submission,omitempty" firestore:"submission"`
	Submissions  map[string]Submission `json:"submissions,omitempty" firestore:"submissions"`
	Chat         []ChatMessage         `json:"chat,omitempty" firestore:"chat"`
}

// Clone returns a deep copy of the trial document.
func (d *TrialDocument) Clone() *TrialDocument {
	if d == nil {
		return nil
	}
	out := *d
	if d.FighterData != nil {
		out.FighterData = make(map[string]string, len(d.FighterData))
		for k, v := range d.FighterData {
			out.FighterData[k] = v
		}
	}
	if d.Submission != nil {
		sub := *d.Submission
		out.Submission = &sub
	}
	if d.Submissions != nil {
		out.Submissions = make(map[string]Submission, len(d.Submissions))
		for k, v := range d.Submissions {
			out.Submissions[k] = v
		}
	}
	out.Chat = append([]ChatMessage(nil), d.Chat...)
	return &out
}

// SurveyDocument is a pre- or post-task survey, written at most once per
// participant into the participantData sub-collection.
type SurveyDocument struct {
	ClientID    string            `json:"clientID" firestore:"clientID"`
	Answers     map[string]string `json:"answers" firestore:"answers"`
	SubmittedAt time.Time         `json:"submittedAt" firestore:"submittedAt"`
}

// SoloTrialID is the deterministic document ID for a solo submission.
// Creating the same ID twice is how duplicate delivery is detected.
func SoloTrialID(trialNumber int, clientID string) string {
	return fmt.Sprintf("trial_%d_%s", trialNumber, clientID)
}

// GroupTrialID is the shared per-trial document ID for a group session.
func GroupTrialID(trialNumber int) string {
	return fmt.Sprintf("trial_%d_group", trialNumber)
}

// SurveyDocID builds the participantData document ID for a survey kind
// ("preTask" or "postTask").
func SurveyDocID(clientID, kind string) string {
	return fmt.Sprintf("%s_%s", clientID, kind)
}
