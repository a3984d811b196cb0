package httpapi

import (
	"net/http"

	"github.com/septivank/packetmeter/internal/settings"
)

type settingsResponse struct {
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	Settings settings.View `json:"settings"`
}

func (a *API) getSettings(rw http.ResponseWriter, r *http.Request) {
	v, err := a.settings.Get(r.Context(), UserFrom(r).ID)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	Write(rw, http.StatusOK, settingsResponse{Success: true, Settings: v})
}

func (a *API) putSettings(rw http.ResponseWriter, r *http.Request) {
	var u settings.Update
	if err := Read(rw, r, &u); err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	v, err := a.settings.Update(r.Context(), UserFrom(r).ID, u)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	Write(rw, http.StatusOK, settingsResponse{Success: true, Message: "settings updated", Settings: v})
}
