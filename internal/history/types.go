package history

import "github.com/coachpo/termconnect/internal/model"

// Deal and HistoryOrder alias the shared domain model so callers write
// history.Deal / history.HistoryOrder.
type (
	Deal         = model.Deal
	HistoryOrder = model.HistoryOrder
)
