package api

import (
	"encoding/json"
	"net/http"

	"github.com/khaacho/backstop/intake"
)

func (a *API) submitOrder(w http.ResponseWriter, r *http.Request) {
	var msg intake.OrderMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := a.pipeline.Submit(r.Context(), msg)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	status := http.StatusAccepted
	switch result.Status {
	case intake.StatusReplayed, intake.StatusDuplicate:
		status = http.StatusOK
	case intake.StatusBuffered:
		// The order is parked, not rejected; 202 tells the submitter it
		// was received and will be applied later.
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}
