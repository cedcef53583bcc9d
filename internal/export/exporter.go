// Package export produces the delimited research report: one row per
// participant per session, per-trial columns rearranged back into the
// original pre-shuffle trial order by inverting the persisted
// trialOrder permutation.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"go.uber.org/zap"

	"github.com/mentalmodel-lab/fightcast/internal/store"
)

// User-facing export errors.
var (
	ErrUnknownMode = errors.New("export: mode must be solo or group")
	ErrNoSessions  = errors.New("export: no sessions found for mode")
)

// defaultTrialCount stands in when the first session predates the
// trialCount field.
const defaultTrialCount = 50

// featureColumns maps report feature names to the raw field names older
// survey documents used.
var featureColumns = []struct {
	Name  string
	Field string
}{
	{"CareerWins", "wins"},
	{"CareerLosses", "losses"},
	{"Age", "age"},
	{"Height", "height"},
	{"StrikesLandedPerMin", "slpm"},
	{"StrikeAccuracy", "accuracy"},
	{"StrikeDefense", "defense"},
	{"TakedownDefense", "tdDefense"},
	{"StrikesAvoidedPerMin", "sapm"},
	{"TakedownAccuracy", "tdAccuracy"},
}

// Exporter reads the store and writes CSV reports.
type Exporter struct {
	st  store.Store
	log *zap.Logger
}

// New creates an Exporter.
func New(st store.Store, log *zap.Logger) *Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exporter{st: st, log: log}
}

// Write streams the report for every session of the given mode.
func (e *Exporter) Write(ctx context.Context, mode string, w io.Writer) error {
	m := store.Mode(mode)
	if m != store.ModeSolo && m != store.ModeGroup {
		return fmt.Errorf("%w: got %q", ErrUnknownMode, mode)
	}

	sessions, err := e.st.FindSessions(ctx, store.SessionQuery{Mode: m})
	if err != nil {
		return fmt.Errorf("export: query sessions: %w", err)
	}
	if len(sessions) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSessions, mode)
	}

	trialCount := sessions[0].TrialCount
	if trialCount == 0 {
		trialCount = defaultTrialCount
	}

	cw := csv.NewWriter(w)
	headers := buildHeaders(m, trialCount)
	if err := cw.Write(headers); err != nil {
		return fmt.Errorf("export: write header: %w", err)
	}

	for _, s := range sessions {
		if err := e.writeSession(ctx, cw, s, m, trialCount, headers); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func buildHeaders(mode store.Mode, trialCount int) []string {
	headers := []string{"sessionID", "clientID", "aiMode"}
	for _, fc := range featureColumns {
		headers = append(headers, "pretask_"+fc.Name)
	}
	for i := 1; i <= trialCount; i++ {
		headers = append(headers,
			fmt.Sprintf("trial%d_initialWager", i),
			fmt.Sprintf("trial%d_finalWager", i))
		if mode == store.ModeGroup {
			headers = append(headers,
				fmt.Sprintf("trial%d_groupAvgWager", i),
				fmt.Sprintf("trial%d_changedDirection", i))
		}
		headers = append(headers, fmt.Sprintf("wallet_after_trial%d", i))
	}
	for _, fc := range featureColumns {
		headers = append(headers, "posttask_"+fc.Name)
	}
	return headers
}

func (e *Exporter) writeSession(ctx context.Context, cw *csv.Writer, s *store.Session, mode store.Mode, trialCount int, headers []string) error {
	// presentationSlots[j] is the 1-based trial number at which original
	// row j was shown. Sessions without a usable persisted order fall
	// back to identity.
	order := s.TrialOrder
	if len(order) != trialCount {
		order = make([]int, trialCount)
		for i := range order {
			order[i] = i
		}
	}
	slots := make([]int, len(order))
	for j, idx := range order {
		slots[j] = idx + 1
	}

	trials, err := e.st.ListTrials(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("export: list trials for %s: %w", s.ID, err)
	}

	for _, pid := range s.Participants {
		row := map[string]string{
			"sessionID": s.ID,
			"clientID":  pid,
			"aiMode":    s.AIMode,
		}
		e.fillSurvey(ctx, row, s.ID, pid, "preTask", "pretask_")

		if mode == store.ModeSolo {
			fillSoloTrials(row, trials, pid, slots)
		} else {
			fillGroupTrials(row, trials, pid, slots)
		}

		e.fillSurvey(ctx, row, s.ID, pid, "postTask", "posttask_")

		rec := make([]string, len(headers))
		for i, h := range headers {
			rec[i] = row[h]
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("export: write row: %w", err)
		}
	}
	return nil
}

// fillSurvey copies survey answers into the row. A missing survey
// leaves its columns empty; the report never fails on absent data.
func (e *Exporter) fillSurvey(ctx context.Context, row map[string]string, sessionID, pid, kind, prefix string) {
	doc, err := e.st.GetSurvey(ctx, sessionID, store.SurveyDocID(pid, kind))
	if err != nil {
		if !errors.Is(err, store.ErrSurveyNotFound) {
			e.log.Warn("survey read failed",
				zap.String("session", sessionID),
				zap.String("participant", pid),
				zap.Error(err))
		}
		return
	}
	for _, fc := range featureColumns {
		col := prefix + fc.Name
		if v, ok := doc.Answers[col]; ok {
			row[col] = v
		} else if v, ok := doc.Answers[fc.Field]; ok {
			row[col] = v
		}
	}
}

func fillSoloTrials(row map[string]string, trials []*store.TrialDocument, pid string, slots []int) {
	byNumber := make(map[int]*store.TrialDocument)
	for _, t := range trials {
		if t.ClientID == pid {
			byNumber[t.TrialNumber] = t
		}
	}
	for j, slot := range slots {
		col := j + 1
		if t := byNumber[slot]; t != nil && t.Submission != nil {
			row[fmt.Sprintf("trial%d_initialWager", col)] = strconv.Itoa(t.Submission.InitialWager)
			row[fmt.Sprintf("trial%d_finalWager", col)] = strconv.Itoa(t.Submission.FinalWager)
			row[fmt.Sprintf("wallet_after_trial%d", col)] = strconv.Itoa(t.Submission.WalletAfter)
		}
	}
}

func fillGroupTrials(row map[string]string, trials []*store.TrialDocument, pid string, slots []int) {
	byNumber := make(map[int]map[string]store.Submission)
	for _, t := range trials {
		byNumber[t.TrialNumber] = t.Submissions
	}
	for j, slot := range slots {
		col := j + 1
		subs := byNumber[slot]
		if len(subs) == 0 {
			continue
		}

		var sum float64
		for _, s := range subs {
			sum += float64(s.FinalWager)
		}
		avg := sum / float64(len(subs))
		row[fmt.Sprintf("trial%d_groupAvgWager", col)] = strconv.FormatFloat(avg, 'f', 2, 64)

		me, ok := subs[pid]
		if !ok {
			continue
		}
		row[fmt.Sprintf("trial%d_initialWager", col)] = strconv.Itoa(me.InitialWager)
		row[fmt.Sprintf("trial%d_finalWager", col)] = strconv.Itoa(me.FinalWager)
		row[fmt.Sprintf("wallet_after_trial%d", col)] = strconv.Itoa(me.WalletAfter)

		// "Changed direction" compares absolute distance to the group
		// average of final wagers. Kept exactly as the study defines it.
		changed := math.Abs(float64(me.FinalWager)-avg) < math.Abs(float64(me.InitialWager)-avg)
		row[fmt.Sprintf("trial%d_changedDirection", col)] = strconv.FormatBool(changed)
	}
}
