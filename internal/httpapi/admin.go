package httpapi

import (
	"net/http"

	"github.com/septivank/packetmeter/internal/digest"
	"github.com/septivank/packetmeter/internal/retention"
)

const manualTrigger = "manual"

type digestResponse struct {
	Success bool          `json:"success"`
	Result  digest.Result `json:"result"`
}

type sweepResponse struct {
	Success bool             `json:"success"`
	Result  retention.Result `json:"result"`
}

func (a *API) sendDigests(rw http.ResponseWriter, r *http.Request) {
	res, err := a.digests.SendAll(r.Context(), manualTrigger)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	Write(rw, http.StatusOK, digestResponse{Success: true, Result: res})
}

func (a *API) sweepRetention(rw http.ResponseWriter, r *http.Request) {
	res, err := a.retention.Sweep(r.Context(), manualTrigger)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	Write(rw, http.StatusOK, sweepResponse{Success: true, Result: res})
}
