// ABOUTME: Receipt aggregation folding per-connection outcomes into per-user receipts
// ABOUTME: Counts reachable connections and ORs activity across a user's connections

package fanout

// Aggregate folds delivery outcomes into one receipt per distinct user.
// Outcomes that were not delivered contribute nothing. Output order is
// unspecified.
func Aggregate(outcomes []DeliveryOutcome) []MessageReceipt {
	byUser := make(map[string]*MessageReceipt, len(outcomes))
	for _, o := range outcomes {
		if !o.Delivered {
			continue
		}
		r, ok := byUser[o.UserID]
		if !ok {
			byUser[o.UserID] = &MessageReceipt{
				UserID:        o.UserID,
				DeliveryCount: 1,
				Active:        o.Active,
			}
			continue
		}
		r.DeliveryCount++
		r.Active = r.Active || o.Active
	}

	receipts := make([]MessageReceipt, 0, len(byUser))
	for _, r := range byUser {
		receipts = append(receipts, *r)
	}
	return receipts
}

// InactiveUsers returns the users whose receipt reports no active connection.
// Callers use it to decide who should also get an offline notification.
func InactiveUsers(receipts []MessageReceipt) []string {
	var users []string
	for _, r := range receipts {
		if !r.Active {
			users = append(users, r.UserID)
		}
	}
	return users
}
