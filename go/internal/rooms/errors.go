package rooms

import (
	"errors"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"
)

var (
	ErrSessionNotFound     = apperr.New(apperr.KindNotFound, apperr.CodeNotFound, "session not found")
	ErrRoomNotFound        = apperr.New(apperr.KindNotFound, apperr.CodeNotFound, "room not found")
	ErrParticipantNotFound = apperr.New(apperr.KindNotFound, apperr.CodeNotFound, "participant not found")
	ErrRoomFull            = apperr.New(apperr.KindConflict, apperr.CodeRoomFull, "room is full")
	ErrInactiveSession     = apperr.New(apperr.KindConflict, apperr.CodeInactiveSession, "session is not accepting participants")
	ErrCodeExhausted       = apperr.New(apperr.KindConflict, apperr.CodeCodeExhausted, "could not allocate a unique room code")
	ErrNoActiveScenario    = apperr.New(apperr.KindConflict, apperr.CodeVotingClosed, "no scenario is active")

	// ErrRoomCodeTaken signals a lost race on the live room-code index.
	ErrRoomCodeTaken = errors.New("room code already in use")
)
