// Package trace records the final decision reached for each alert, so every
// emitted alert ends with exactly one terminal decision in the audit trail.
package trace

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oakridge-systems/signalpipeline/storage"
	"github.com/oakridge-systems/signalpipeline/types"
)

// recentAlertWindow is how far back an alert is still considered the
// "originating" alert for a (symbol, side) decision.
const recentAlertWindow = 5 * time.Minute

// Writer is the single place decisions are committed to the alert audit
// trail. Safe for concurrent use; the underlying write is a single row
// update keyed by alert id.
type Writer struct {
	db *storage.Database
}

// New constructs a Writer over db.
func New(db *storage.Database) *Writer {
	return &Writer{db: db}
}

// Decision is the outcome to attach to the originating alert.
type Decision struct {
	Symbol     string
	Side       types.Side
	Type       types.DecisionType
	Reason     types.ReasonCode
	Message    string
	Context    map[string]interface{}
	OrderID    *string
	ErrSnippet string
}

// Record updates the most recent alert for (symbol, side) within the last
// five minutes with the final decision. If no such alert exists, a synthetic
// alert is created first so the decision is never lost. The write is
// idempotent per alert id: calling Record twice for the same alert leaves
// the last call's decision in place.
func (w *Writer) Record(d Decision) error {
	alert, err := w.db.FindRecentAlert(d.Symbol, d.Side, recentAlertWindow)
	if err != nil {
		return err
	}

	var id uint
	if alert != nil {
		id = alert.ID
	} else {
		log.Warn().
			Str("symbol", d.Symbol).
			Str("side", string(d.Side)).
			Msg("no originating alert found within window, recording synthetic trace")

		synthetic := types.AlertRecord{
			Symbol:       d.Symbol,
			Side:         d.Side,
			Timestamp:    time.Now(),
			DecisionType: types.DecisionPending,
			ReasonCode:   types.ReasonPipelineNotCalled,
		}
		id, err = w.db.CreateAlert(synthetic)
		if err != nil {
			return err
		}
	}

	return w.db.UpdateAlertDecision(id, d.Type, d.Reason, d.Message, d.Context, d.OrderID, d.ErrSnippet)
}
