package swap

import "github.com/skillswap/swapcore/internal/models"

// transitions is the lifecycle graph. Statuses without an entry are terminal.
var transitions = map[models.SwapStatus][]models.SwapStatus{
	models.StatusPending:  {models.StatusAccepted, models.StatusRejected, models.StatusCancelled},
	models.StatusAccepted: {models.StatusCompleted, models.StatusCancelled},
}

// CanTransition reports whether the lifecycle allows moving from one status to another
func CanTransition(from, to models.SwapStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CancelPolicy decides who may cancel a swap request once it has been accepted.
// Before acceptance only the requester may cancel under either policy.
type CancelPolicy string

const (
	CancelRequesterOnly     CancelPolicy = "requester_only"
	CancelEitherAfterAccept CancelPolicy = "either_after_accept"
)
