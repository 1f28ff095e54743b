package votes

import "github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"

var (
	ErrDuplicateVote  = apperr.New(apperr.KindConflict, apperr.CodeDuplicateVote, "participant has already voted on this scenario")
	ErrVotingClosed   = apperr.New(apperr.KindConflict, apperr.CodeVotingClosed, "voting is closed for this scenario")
	ErrNotParticipant = apperr.New(apperr.KindUnauthorized, apperr.CodeNotParticipant, "participant is not active in this session")
)
