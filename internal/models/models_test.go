package models_test

import (
	"errors"
	"testing"

	"arena-control-backend/internal/models"
)

func TestRoundState(t *testing.T) {
	round := &models.RoundState{StartedAt: 1000, EndedAt: 1000}
	if err := round.Validate(); err != nil {
		t.Errorf("Round ending when it started should be valid: %v", err)
	}

	backwards := &models.RoundState{StartedAt: 2000, EndedAt: 1000}
	if err := backwards.Validate(); err == nil {
		t.Error("Round ending before it started should fail validation")
	}

	unstarted := &models.RoundState{EndedAt: 1000}
	if err := unstarted.Validate(); err == nil {
		t.Error("Round without start time should fail validation")
	}

	if !(&models.RoundState{}).Empty() {
		t.Error("Zero round state should be empty")
	}
	withPlayers := &models.RoundState{Players: []models.Player{{ID: "p1"}}}
	if withPlayers.Empty() {
		t.Error("Round state with players should not be empty")
	}
}

func TestRoundStatus(t *testing.T) {
	if models.RoundStatusPending.Settled() {
		t.Error("Pending round should not be settled")
	}
	for _, status := range []models.RoundStatus{models.RoundStatusResolved, models.RoundStatusFailed, models.RoundStatusSuperseded} {
		if !status.Settled() {
			t.Errorf("%s should be settled", status)
		}
	}
	if got := models.RoundStatus(9).String(); got != "RoundStatus(9)" {
		t.Errorf("Expected RoundStatus(9), got %s", got)
	}
}

func TestDropUnlocked(t *testing.T) {
	cfg := &models.RoundConfig{Drops: map[string]int64{models.DropGuardian: 5000}}

	if cfg.DropUnlocked(models.DropGuardian, 4999) {
		t.Error("Guardian should be locked before its unlock time")
	}
	if !cfg.DropUnlocked(models.DropGuardian, 5000) {
		t.Error("Guardian should be unlocked at its unlock time")
	}
	if cfg.DropUnlocked(models.DropRuneword, 1<<62) {
		t.Error("Feature without unlock time should stay locked")
	}
}

func TestCallResponse(t *testing.T) {
	var missing *models.CallResponse
	if missing.OK() {
		t.Error("Nil response should not be OK")
	}

	if !(&models.CallResponse{Status: models.CallStatusSuccess}).OK() {
		t.Error("Status 1 response should be OK")
	}

	failed := models.FailedResponse(errors.New("instance unreachable"))
	if failed.OK() || failed.Error != "instance unreachable" {
		t.Errorf("Unexpected failed response: %+v", failed)
	}
}

func TestSaveRoundRequestRound(t *testing.T) {
	req := &models.SaveRoundRequest{
		StartedDate: 10,
		EndedAt:     20,
		Winners:     []models.Player{{ID: "w"}},
	}

	round := req.Round()
	if round.StartedAt != 10 || round.EndedAt != 20 || len(round.Winners) != 1 {
		t.Errorf("Unexpected round state: %+v", round)
	}
}

func TestProcessInfoEndpoint(t *testing.T) {
	info := models.ProcessInfo{Host: "127.0.0.1", Port: 7000}
	if info.Endpoint() != "127.0.0.1:7000" {
		t.Errorf("Expected 127.0.0.1:7000, got %s", info.Endpoint())
	}

	v6 := models.ProcessInfo{Host: "::1", Port: 7001}
	if v6.Endpoint() != "[::1]:7001" {
		t.Errorf("Expected [::1]:7001, got %s", v6.Endpoint())
	}
}
