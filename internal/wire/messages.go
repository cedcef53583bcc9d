// Package wire defines the typed JSON messages exchanged over the
// participant WebSocket channel.
package wire

import (
	"encoding/json"

	"github.com/mentalmodel-lab/fightcast/internal/content"
	"github.com/mentalmodel-lab/fightcast/internal/store"
)

// Inbound message types.
const (
	TypeRegister        = "register"
	TypeChat            = "chat"
	TypeStartSession    = "startSession"
	TypeUpdateWager     = "updateWager"
	TypeConfirmDecision = "confirmDecision"
	TypeSendData        = "sendData"
)

// Payload events carried by sendData.
const (
	EventTrialData      = "trialData"
	EventPreTaskSurvey  = "preTaskSurvey"
	EventPostTaskSurvey = "postTaskSurvey"
	EventFinishSession  = "finishSession"
)

// Inbound is the envelope for every client-to-server message.
type Inbound struct {
	Type      string   `json:"type"`
	ClientID  string   `json:"clientID,omitempty"`
	SessionID string   `json:"sessionID,omitempty"`
	Message   string   `json:"message,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
	WagerType string   `json:"wagerType,omitempty"`
	Value     int      `json:"value,omitempty"`
	Phase     string   `json:"phase,omitempty"`
	Payload   *Payload `json:"payload,omitempty"`
}

// Payload wraps a sendData event.
type Payload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// TrialData is the trialData payload body.
type TrialData struct {
	ClientID     string              `json:"clientID"`
	SessionID    string              `json:"sessionID"`
	TrialNumber  int                 `json:"trialNumber"`
	Mode         store.Mode          `json:"mode"`
	FighterData  map[string]string   `json:"fighterData,omitempty"`
	AIPrediction string              `json:"aiPrediction,omitempty"`
	AIRationale  string              `json:"aiRationale,omitempty"`
	InitialWager int                 `json:"initialWager"`
	FinalWager   int                 `json:"finalWager"`
	WalletBefore int                 `json:"walletBefore"`
	WalletAfter  int                 `json:"walletAfter"`
	Timestamp    int64               `json:"timestamp"`
	ChatMessages []store.ChatMessage `json:"chatMessages,omitempty"`
}

// SurveyData is the pre/postTaskSurvey payload body.
type SurveyData struct {
	ClientID string            `json:"clientID"`
	Answers  map[string]string `json:"answers"`
}

// FinishData is the finishSession payload body.
type FinishData struct {
	ClientID string `json:"clientID"`
}

// Outbound message types.

// ParticipantCount reports how many participants are connected.
type ParticipantCount struct {
	Type  string `json:"type"` // "participantCount"
	Count int    `json:"count"`
}

// SessionUpdate announces a session lifecycle change.
type SessionUpdate struct {
	Type           string `json:"type"` // "sessionUpdate"
	SessionID      string `json:"sessionID"`
	Status         string `json:"status"`
	Mode           string `json:"mode"`
	WaitingEndTime int64  `json:"waitingEndTime,omitempty"` // epoch millis
}

// SessionStarted acknowledges a startSession request.
type SessionStarted struct {
	Type           string `json:"type"` // "sessionStarted"
	SessionID      string `json:"sessionID"`
	Mode           string `json:"mode"`
	WaitingEndTime int64  `json:"waitingEndTime"` // epoch millis
}

// PhaseChange opens a trial phase. StartTime and Duration let clients
// compute remaining time independent of delivery latency.
type PhaseChange struct {
	Type        string      `json:"type"` // "phaseChange"
	Phase       string      `json:"phase"`
	SubPhase    string      `json:"subPhase,omitempty"`
	Trial       int         `json:"trial"`
	TotalTrials int         `json:"totalTrials"`
	StartTime   int64       `json:"startTime"` // epoch millis
	Duration    int64       `json:"duration"`  // millis
	AIMode      string      `json:"aiMode,omitempty"`
	TrialData   content.Row `json:"trialData,omitempty"`
}

// RejoinSession resynchronizes a reconnecting participant.
type RejoinSession struct {
	Type          string         `json:"type"` // "rejoinSession"
	SessionID     string         `json:"sessionID"`
	Trial         int            `json:"trial"`
	TotalTrials   int            `json:"totalTrials"`
	Phase         string         `json:"phase"`
	SubPhase      string         `json:"subPhase,omitempty"`
	Mode          string         `json:"mode"`
	RemainingTime int64          `json:"remainingTime"` // millis, floored at 0
	TrialData     content.Row    `json:"trialData,omitempty"`
	Wagers        map[string]int `json:"wagers,omitempty"`
}

// AllWagersSubmitted carries the full set of initial wagers for a trial.
type AllWagersSubmitted struct {
	Type   string         `json:"type"` // "allWagersSubmitted"
	Trial  int            `json:"trial"`
	Wagers map[string]int `json:"wagers"`
}

// IndividualWager relays one cohort member's submitted initial wager.
type IndividualWager struct {
	Type      string `json:"type"` // "individualWager"
	ClientID  string `json:"clientID"`
	Wager     int    `json:"wager"`
	Timestamp int64  `json:"timestamp"`
}

// ChatRelay re-broadcasts a deliberation chat line to the cohort.
type ChatRelay struct {
	Type      string `json:"type"` // "chat"
	ClientID  string `json:"clientID"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Ack is a generic success reply (wagerUpdated, decisionConfirmed, dataSent).
type Ack struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TrialsCompleted signals the end of a session's trial sequence.
type TrialsCompleted struct {
	Type string `json:"type"` // "trialsCompleted"
}

// Error is a typed error reply to the offending connection only.
type Error struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// NewError builds an Error message.
func NewError(msg string) Error {
	return Error{Type: "error", Message: msg}
}
